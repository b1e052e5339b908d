//go:build darwin || freebsd || netbsd || openbsd

package isatty

import "golang.org/x/sys/unix"

const getTermios = unix.TIOCGETA
