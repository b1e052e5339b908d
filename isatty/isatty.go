// Package isatty tells whether a file descriptor refers to a
// terminal, which decides whether progress is shown by default.
package isatty

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Isatty reports whether `fd` is a terminal.
func Isatty(fd uintptr) (bool, error) {
	_, err := unix.IoctlGetTermios(int(fd), getTermios)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ENOTTY), errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENODEV):
		return false, nil
	default:
		return false, err
	}
}
