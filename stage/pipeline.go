package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/github/go-pipe/pipe"
)

// ProcessError is returned when an external process exits with a
// non-zero status or is killed by a signal.
type ProcessError struct {
	// ExitCode is the process's exit status, or -1 if it was killed.
	ExitCode int
	// Signal is the signal that killed the process, if any.
	Signal syscall.Signal
	// Stderr holds whatever the process wrote to its standard error.
	Stderr []byte
	Err    error
}

func (e *ProcessError) Error() string {
	stderr := bytes.TrimSpace(e.Stderr)
	if len(stderr) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (stderr: %s)", e.Err, stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// asProcessError converts an `*exec.ExitError` anywhere in `err`'s
// chain into a `*ProcessError`, unless there already is one.
func asProcessError(err error) error {
	if err == nil {
		return nil
	}

	var pErr *ProcessError
	if errors.As(err, &pErr) {
		return err
	}

	var eErr *exec.ExitError
	if !errors.As(err, &eErr) {
		return err
	}

	pErr = &ProcessError{
		ExitCode: eErr.ExitCode(),
		Stderr:   eErr.Stderr,
		Err:      err,
	}
	if status, ok := eErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		pErr.Signal = status.Signal()
	}
	return pErr
}

// StartPipeline starts `stages` as a pipeline and returns a reader
// over the output of the last one. `cleanup`, if non-nil, is called
// exactly once: after the pipeline has been waited for, or right away
// if it fails to start.
//
// If the reader is closed before reaching EOF, the pipeline is
// cancelled, and the pipe errors and cancellation that this causes are
// not reported.
func StartPipeline(
	ctx context.Context, cleanup func() error, stages ...pipe.Stage,
) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	p := pipe.New(pipe.WithStdoutCloser(pw))
	p.Add(stages...)
	if err := p.Start(ctx); err != nil {
		cancel()
		_ = pr.Close()
		if cleanup != nil {
			_ = cleanup()
		}
		return nil, asProcessError(err)
	}

	return &pipelineReader{
		pr:      pr,
		p:       p,
		cancel:  cancel,
		cleanup: cleanup,
	}, nil
}

type pipelineReader struct {
	pr      *io.PipeReader
	p       *pipe.Pipeline
	cancel  context.CancelFunc
	cleanup func() error

	// eof is set by `Read()`, which may race with a `Close()` from
	// another goroutine.
	eof atomic.Bool

	closeOnce sync.Once
	err       error
}

func (r *pipelineReader) Read(b []byte) (int, error) {
	n, err := r.pr.Read(b)
	if err == io.EOF {
		r.eof.Store(true)
	}
	return n, err
}

func (r *pipelineReader) Close() error {
	r.closeOnce.Do(func() {
		early := !r.eof.Load()
		if early {
			r.cancel()
		}
		_ = r.pr.Close()

		err := r.p.Wait()
		r.cancel()

		if early && (pipe.IsPipeError(err) || errors.Is(err, context.Canceled)) {
			err = nil
		}
		err = asProcessError(err)

		if r.cleanup != nil {
			if cErr := r.cleanup(); err == nil {
				err = cErr
			}
		}
		r.err = err
	})
	return r.err
}

// feedStage returns a pipeline stage that copies `r` to its output and
// then closes `r`, which reaps whatever was producing it. If the
// pipeline is cancelled first, `r` is closed right away, so that a
// read blocked on an idle upstream can't hold up the pipeline.
func feedStage(name string, r io.ReadCloser) pipe.Stage {
	return pipe.Function(
		"feed "+name,
		func(ctx context.Context, _ pipe.Env, _ io.Reader, stdout io.Writer) error {
			var closeOnce sync.Once
			var closeErr error
			closeUpstream := func() {
				closeOnce.Do(func() { closeErr = r.Close() })
			}

			stop := context.AfterFunc(ctx, closeUpstream)
			_, err := io.Copy(stdout, r)
			stopped := stop()
			closeUpstream()

			if !stopped {
				// The upstream was closed out from under the copy.
				return ctx.Err()
			}
			if err == nil {
				err = closeErr
			}
			return err
		},
	)
}
