package probe

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// DefaultKallsymsPath is where the kernel exports its symbol table.
const DefaultKallsymsPath = "/proc/kallsyms"

// Symbol is a resolved, attachable kernel entry point.
type Symbol struct {
	Name string
	// Wrapped is set for arch syscall wrappers (__x64_sys_*, __arm64_sys_*),
	// whose only argument points at the user pt_regs.
	Wrapped bool
}

// SymbolResolver maps a logical hook name such as "futex" to a kernel symbol.
type SymbolResolver interface {
	Resolve(hook string) (Symbol, error)
}

// SyscallPrefixes lists candidate symbol prefixes in lookup order for goarch.
func SyscallPrefixes(goarch string) []string {
	switch goarch {
	case "amd64":
		return []string{"__x64_sys_", "__se_sys_", "sys_"}
	case "arm64":
		return []string{"__arm64_sys_", "__se_sys_", "sys_"}
	default:
		return []string{"__se_sys_", "sys_"}
	}
}

// Candidates expands hook into the symbol names worth trying. A hook that
// already carries a sys_ prefix is used as is.
func Candidates(hook, goarch string) []string {
	if strings.HasPrefix(hook, "sys_") || strings.HasPrefix(hook, "__") {
		return []string{hook}
	}
	prefixes := SyscallPrefixes(goarch)
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, p+hook)
	}
	return out
}

// IsWrapper reports whether name is an arch syscall wrapper.
func IsWrapper(name string) bool {
	return strings.HasPrefix(name, "__x64_sys_") || strings.HasPrefix(name, "__arm64_sys_")
}

// Kallsyms resolves hooks against a kallsyms-format symbol table.
type Kallsyms struct {
	Path   string
	GOARCH string
}

// NewKallsyms reads the running kernel's symbol table.
func NewKallsyms() *Kallsyms {
	return &Kallsyms{Path: DefaultKallsymsPath, GOARCH: runtime.GOARCH}
}

// Resolve returns the first candidate present as a text symbol.
func (k *Kallsyms) Resolve(hook string) (Symbol, error) {
	candidates := Candidates(hook, k.GOARCH)
	found, err := k.lookup(candidates)
	if err != nil {
		return Symbol{}, err
	}
	for _, c := range candidates {
		if found[c] {
			return Symbol{Name: c, Wrapped: IsWrapper(c)}, nil
		}
	}
	return Symbol{}, fmt.Errorf("%w: none of %v in %s", ErrUnresolved, candidates, k.Path)
}

func (k *Kallsyms) lookup(names []string) (map[string]bool, error) {
	f, err := os.Open(k.Path)
	if err != nil {
		return nil, fmt.Errorf("open symbol table: %w", err)
	}
	defer f.Close()

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = false
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// "<addr> <type> <name> [module]"
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if t := fields[1]; t != "T" && t != "t" {
			continue
		}
		if _, ok := want[fields[2]]; ok {
			want[fields[2]] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read symbol table: %w", err)
	}
	return want, nil
}

// Static resolves hooks from a fixed table.
type Static map[string]Symbol

func (s Static) Resolve(hook string) (Symbol, error) {
	if sym, ok := s[hook]; ok {
		return sym, nil
	}
	return Symbol{}, fmt.Errorf("%w: %s", ErrUnresolved, hook)
}

// Chain tries resolvers in order and returns the first success.
type Chain []SymbolResolver

func (c Chain) Resolve(hook string) (Symbol, error) {
	var errs []string
	for _, r := range c {
		if r == nil {
			continue
		}
		sym, err := r.Resolve(hook)
		if err == nil {
			return sym, nil
		}
		errs = append(errs, err.Error())
	}
	return Symbol{}, fmt.Errorf("%w: %s (%s)", ErrUnresolved, hook, strings.Join(errs, "; "))
}
