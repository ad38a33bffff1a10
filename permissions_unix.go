//go:build !windows

package main

import (
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ensureReadable fails early when the configuration file exists but the
// effective user has no read bit for it, instead of surfacing a bare EACCES
// from the YAML loader. Root bypasses mode bits and is never refused. A nil
// info is looked up.
func ensureReadable(path string, info fs.FileInfo) error {
	if info == nil {
		var err error
		if info, err = os.Stat(path); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
	}
	if info.IsDir() {
		return fmt.Errorf("config file %s is a directory", path)
	}
	if os.Geteuid() == 0 {
		return nil
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	perms := info.Mode().Perm()

	var bit fs.FileMode
	var who string
	switch {
	case int(stat.Uid) == os.Geteuid():
		bit, who = 0o400, "owner"
	case inGroup(int(stat.Gid)):
		bit, who = 0o040, "group"
	default:
		bit, who = 0o004, "others"
	}
	if perms&bit == 0 {
		return fmt.Errorf("permission denied reading %s: %s has no read bit", path, who)
	}
	return nil
}

func inGroup(gid int) bool {
	if gid == os.Getegid() {
		return true
	}
	groups, err := unix.Getgroups()
	if err != nil {
		return false
	}
	for _, g := range groups {
		if g == gid {
			return true
		}
	}
	return false
}

// checkPrivileges warns when the kernel backend is about to run without
// root. Loading programs may still succeed with CAP_BPF and CAP_PERFMON.
func checkPrivileges(log logrus.FieldLogger) {
	if os.Geteuid() == 0 {
		return
	}
	log.WithField("euid", os.Geteuid()).Warn("Not running as root; attaching the kprobe needs CAP_BPF and CAP_PERFMON")
}
