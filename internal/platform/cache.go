// Package platform holds the few filesystem details that differ per OS.
package platform

import (
	"os"
	"path/filepath"
)

// CacheDir returns the per-user cache directory for sub, falling back to the
// temp directory when the user has no home.
func CacheDir(sub ...string) string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return LongPathname(filepath.Join(append([]string{base, "futexsnoop"}, sub...)...))
}
