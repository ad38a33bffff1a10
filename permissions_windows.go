//go:build windows

package main

import (
	"io/fs"

	"github.com/sirupsen/logrus"
)

// ACLs do not map to POSIX permission bits, the loader reports its own error.
func ensureReadable(_ string, _ fs.FileInfo) error {
	return nil
}

func checkPrivileges(log logrus.FieldLogger) {
	log.Warn("The kernel backend is only available on Linux; use --backend loopback")
}
