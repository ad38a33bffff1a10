package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	oldV, oldC := Version, Commit
	t.Cleanup(func() { Version, Commit = oldV, oldC })

	Version, Commit = "v1.2.3", "abc123"
	got := String()
	if !strings.HasPrefix(got, "v1.2.3 (commit abc123") {
		t.Fatalf("String() = %q", got)
	}
}
