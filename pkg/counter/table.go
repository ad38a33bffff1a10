// Package counter aggregates observed strings into a bounded key -> count
// table for on-demand summary reports.
package counter

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrTableFull is returned when a new key would exceed the table capacity.
var ErrTableFull = errors.New("counter table full")

// Entry is one row of a snapshot.
type Entry struct {
	Key   string
	Count uint64
}

type slot struct {
	count atomic.Uint64
	seq   uint64
}

// Table counts occurrences of byte-string keys. Keys are copied on first
// sight and never change; increments of existing keys take only a read lock.
type Table struct {
	capacity int

	mu      sync.RWMutex
	entries map[string]*slot
	nextSeq uint64
}

// New returns a table accepting at most capacity distinct keys.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = 1
	}
	return &Table{
		capacity: capacity,
		entries:  make(map[string]*slot),
	}
}

// Increment adds one to key, inserting it with a count of 1 if unseen.
func (t *Table) Increment(key []byte) error {
	t.mu.RLock()
	s, ok := t.entries[string(key)]
	t.mu.RUnlock()
	if ok {
		s.count.Add(1)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.entries[string(key)]; ok {
		s.count.Add(1)
		return nil
	}
	if len(t.entries) >= t.capacity {
		return fmt.Errorf("%w: %d keys", ErrTableFull, t.capacity)
	}

	s = &slot{seq: t.nextSeq}
	s.count.Store(1)
	t.nextSeq++
	t.entries[string(key)] = s
	return nil
}

// Count returns the current count for key.
func (t *Table) Count(key []byte) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.entries[string(key)]; ok {
		return s.count.Load()
	}
	return 0
}

// Len returns the number of distinct keys.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns all entries ordered by ascending count; equal counts keep
// the order in which their keys were first seen.
func (t *Table) Snapshot() []Entry {
	type row struct {
		Entry
		seq uint64
	}

	t.mu.RLock()
	rows := make([]row, 0, len(t.entries))
	for k, s := range t.entries {
		rows = append(rows, row{Entry: Entry{Key: k, Count: s.count.Load()}, seq: s.seq})
	}
	t.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Count < rows[j].Count })

	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.Entry
	}
	return out
}

// WriteReport prints the snapshot as a COUNT/STRING table.
func (t *Table) WriteReport(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%10s %s\n", "COUNT", "STRING"); err != nil {
		return err
	}
	for _, e := range t.Snapshot() {
		if _, err := fmt.Fprintf(w, "%10d \"%s\"\n", e.Count, escape(e.Key)); err != nil {
			return err
		}
	}
	return nil
}

func escape(key string) string {
	q := strconv.Quote(key)
	return q[1 : len(q)-1]
}
