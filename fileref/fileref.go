// Package fileref provides references to files that the streaming
// stages read from, and the validation that produces them.
package fileref

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Kind describes what a `Ref` points at.
type Kind int

const (
	// Regular is an ordinary file.
	Regular Kind = iota
	// FIFO is a named pipe supplied by the caller.
	FIFO
	// ProcessOutput is a named pipe that a running stage writes to.
	ProcessOutput
)

func (k Kind) String() string {
	switch k {
	case Regular:
		return "regular"
	case FIFO:
		return "fifo"
	case ProcessOutput:
		return "process-output"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Ref is a reference to an existing regular file or named pipe. It
// doesn't own the filesystem object.
//
// A `Ref` can be used directly as a pipeline source: streaming it
// simply reads the file, and opening it yields the ref itself.
type Ref struct {
	path string
	kind Kind
}

// New returns a `Ref` for `path` without checking anything. Callers
// that accept paths from users should go through `ValidateInput()`
// instead.
func New(path string, kind Kind) *Ref {
	return &Ref{path: path, kind: kind}
}

func (r *Ref) Path() string {
	return r.path
}

func (r *Ref) Kind() Kind {
	return r.kind
}

// Name returns the path, which is what codec dispatch looks at.
func (r *Ref) Name() string {
	return r.path
}

func (r *Ref) String() string {
	return r.path
}

// Stream returns a reader over the file's contents. Regular files are
// opened immediately. Named pipes are opened on the first `Read()`,
// because opening the read end of a FIFO blocks until a writer shows
// up.
func (r *Ref) Stream(_ context.Context) (io.ReadCloser, error) {
	if r.kind == Regular {
		f, err := os.Open(r.path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", r.path, err)
		}
		return f, nil
	}
	return &lazyFile{path: r.path}, nil
}

// Open returns `r` itself; there is nothing to materialize.
func (r *Ref) Open(_ context.Context) (*Ref, error) {
	return r, nil
}

// Close is a no-op.
func (r *Ref) Close() error {
	return nil
}

// lazyFile opens its file on the first `Read()`.
type lazyFile struct {
	path string

	lock   sync.Mutex
	f      *os.File
	err    error
	closed bool

	// opening is non-nil while an open is in progress, and is closed
	// when that open returns.
	opening chan struct{}
}

func (l *lazyFile) file() (*os.File, error) {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return nil, os.ErrClosed
	}
	if l.f != nil || l.err != nil {
		defer l.lock.Unlock()
		return l.f, l.err
	}
	if l.opening != nil {
		opening := l.opening
		l.lock.Unlock()
		<-opening
		return l.file()
	}
	opening := make(chan struct{})
	l.opening = opening
	l.lock.Unlock()

	// The lock isn't held while opening, since that can block for as
	// long as the pipe has no writer.
	f, err := os.Open(l.path)

	l.lock.Lock()
	defer l.lock.Unlock()
	l.opening = nil
	close(opening)
	switch {
	case l.closed:
		if f != nil {
			_ = f.Close()
		}
		return nil, os.ErrClosed
	case err != nil:
		l.err = fmt.Errorf("opening %s: %w", l.path, err)
	default:
		l.f = f
	}
	return l.f, l.err
}

func (l *lazyFile) Read(p []byte) (int, error) {
	f, err := l.file()
	if err != nil {
		return 0, err
	}
	return f.Read(p)
}

// Close closes the file. If a `Read()` is still waiting for the pipe
// to get a writer, it is released and fails with `os.ErrClosed`.
func (l *lazyFile) Close() error {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return nil
	}
	l.closed = true
	f, opening := l.f, l.opening
	l.lock.Unlock()

	if opening != nil {
		unblockOpen(l.path, opening)
		return nil
	}
	if f == nil {
		return nil
	}
	return f.Close()
}

// unblockOpen lets a pending open of the read end of the FIFO at
// `path` complete by briefly opening its write end. It returns once
// `opening` is closed.
func unblockOpen(path string, opening <-chan struct{}) {
	for {
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			<-opening
			_ = unix.Close(fd)
			return
		}
		if !errors.Is(err, unix.ENXIO) {
			return
		}

		// ENXIO means that the reader hasn't reached open(2) yet.
		select {
		case <-opening:
			return
		case <-time.After(time.Millisecond):
		}
	}
}
