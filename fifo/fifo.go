// Package fifo manages named pipes (FIFO nodes) in a private,
// process-wide scratch directory.
package fifo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// createAttempts is how many fresh names `New()` tries before giving
// up on a colliding path.
const createAttempts = 3

// ResourceError is returned when a pipe or the scratch directory
// holding it cannot be allocated.
type ResourceError struct {
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("allocating named pipe %q: %v", e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Pipe owns one FIFO node on disk. The node exists from `New()` until
// the first call to `Release()`.
type Pipe struct {
	path string

	lock  sync.Mutex
	alive bool
}

// New creates a FIFO node with a unique name in the scratch directory.
func New() (*Pipe, error) {
	dir, err := ScratchDir()
	if err != nil {
		return nil, err
	}

	var path string
	for i := 0; i < createAttempts; i++ {
		path = filepath.Join(dir, uuid.NewString())
		err = unix.Mkfifo(path, 0o600)
		if err == nil {
			zap.L().Named("fifo").Debug("created pipe", zap.String("path", path))
			return &Pipe{path: path, alive: true}, nil
		}
		if !errors.Is(err, unix.EEXIST) {
			break
		}
	}
	return nil, &ResourceError{Path: path, Err: err}
}

// Path returns the filesystem path of the FIFO node.
func (p *Pipe) Path() string {
	return p.path
}

// Alive reports whether `p` has not yet been released.
func (p *Pipe) Alive() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.alive
}

func (p *Pipe) String() string {
	return p.path
}

// Release unlinks the FIFO node. It is safe to call more than once; a
// node that has already vanished counts as released.
func (p *Pipe) Release() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.alive {
		return nil
	}
	p.alive = false

	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("releasing named pipe: %w", err)
	}
	zap.L().Named("fifo").Debug("released pipe", zap.String("path", p.path))
	return nil
}

// IsPipe reports whether `path` currently names a FIFO node.
func IsPipe(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&fs.ModeNamedPipe != 0
}
