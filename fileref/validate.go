package fileref

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

var (
	ErrNotFound       = errors.New("does not exist")
	ErrIsDirectory    = errors.New("is a directory")
	ErrNotAFile       = errors.New("is neither a regular file nor a named pipe")
	ErrUnreadable     = errors.New("cannot be read")
	ErrDirMissing     = errors.New("directory does not exist")
	ErrDirNotWritable = errors.New("directory is not writable")
	ErrExists         = errors.New("exists; cowardly refusing to overwrite")
	ErrWriteProtected = errors.New("is write protected")
)

// ValidationError reports why a path was rejected. `Err` is one of the
// sentinel errors above, so callers can use `errors.Is()`.
type ValidationError struct {
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ValidateInput checks that `path` is an existing regular file or
// named pipe that this process can read.
func ValidateInput(path string) (*Ref, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ValidationError{path, ErrNotFound}
		}
		return nil, &ValidationError{path, err}
	}

	var kind Kind
	switch mode := fi.Mode(); {
	case mode.IsDir():
		return nil, &ValidationError{path, ErrIsDirectory}
	case mode.IsRegular():
		kind = Regular
	case mode&fs.ModeNamedPipe != 0:
		kind = FIFO
	default:
		return nil, &ValidationError{path, ErrNotAFile}
	}

	if unix.Access(path, unix.R_OK) != nil {
		return nil, &ValidationError{path, ErrUnreadable}
	}

	return New(path, kind), nil
}

// ValidateOutput checks that `path` can be created or, if `overwrite`
// is set, replaced.
func ValidateOutput(path string, overwrite bool) (*Ref, error) {
	fi, err := os.Stat(path)
	switch {
	case err == nil:
		if fi.IsDir() {
			return nil, &ValidationError{path, ErrIsDirectory}
		}
		if !overwrite {
			return nil, &ValidationError{path, ErrExists}
		}
		if unix.Access(path, unix.W_OK) != nil {
			return nil, &ValidationError{path, ErrWriteProtected}
		}
		return New(path, Regular), nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, &ValidationError{path, err}
	}

	dir := filepath.Dir(path)
	dfi, err := os.Stat(dir)
	if err != nil || !dfi.IsDir() {
		return nil, &ValidationError{path, ErrDirMissing}
	}
	if unix.Access(dir, unix.W_OK) != nil {
		return nil, &ValidationError{path, ErrDirNotWritable}
	}
	return New(path, Regular), nil
}
