package platform

import (
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestCacheDir(t *testing.T) {
	got := CacheDir("btf")
	want := filepath.Join("futexsnoop", "btf")
	if !strings.HasSuffix(got, want) {
		t.Fatalf("CacheDir(btf) = %q, want suffix %q", got, want)
	}
}

func TestLongPathnameRelative(t *testing.T) {
	if got := LongPathname("relative/dir"); got != "relative/dir" {
		t.Fatalf("LongPathname changed a relative path: %q", got)
	}
	if runtime.GOOS != "windows" {
		if got := LongPathname("/var/cache"); got != "/var/cache" {
			t.Fatalf("LongPathname = %q", got)
		}
	}
}
