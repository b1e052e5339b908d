package fifo

import (
	"fmt"
	"os"
	"sync"
)

// The scratch directory is created lazily by the first `New()` and
// lives until `Teardown()`. Its base directory only matters before
// that first allocation.
var scratch struct {
	lock sync.Mutex

	base string
	dir  string
}

// SetBaseDir sets the directory under which the scratch directory will
// be created. An empty string means `os.TempDir()`. It has no effect
// on a scratch directory that already exists.
func SetBaseDir(dir string) {
	scratch.lock.Lock()
	defer scratch.lock.Unlock()
	scratch.base = dir
}

// ScratchDir returns the process-wide scratch directory, creating it
// if necessary.
func ScratchDir() (string, error) {
	scratch.lock.Lock()
	defer scratch.lock.Unlock()

	if scratch.dir != "" {
		return scratch.dir, nil
	}

	dir, err := os.MkdirTemp(scratch.base, "emirge-pipes-")
	if err != nil {
		return "", &ResourceError{Path: scratch.base, Err: err}
	}
	scratch.dir = dir
	return dir, nil
}

// Teardown removes the scratch directory and everything left in it.
// Pipes that have not been released become unusable. A later `New()`
// creates a fresh scratch directory.
func Teardown() error {
	scratch.lock.Lock()
	defer scratch.lock.Unlock()

	if scratch.dir == "" {
		return nil
	}
	dir := scratch.dir
	scratch.dir = ""
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing scratch directory %q: %w", dir, err)
	}
	return nil
}
