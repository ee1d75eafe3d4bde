//go:build linux

package client

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Harden marks the process non-dumpable so other processes of the same
// user cannot ptrace it or read its memory while it holds secrets.
func Harden() error {
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("PR_SET_DUMPABLE: %w", err)
	}
	return nil
}
