package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/github/go-pipe/pipe"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/rprops/EMIRGE/fifo"
	"github.com/rprops/EMIRGE/fileref"
)

type feedState int

const (
	// The writer is waiting for a reader to open the pipe.
	feedOpening feedState = iota
	// Data is flowing into the pipe.
	feedCopying
	// The copy is over and the source is being reaped.
	feedFinishing
)

// errAbandoned is what a feed's writer reports to itself when the feed
// was closed before a reader showed up. It never escapes `Close()`.
var errAbandoned = errors.New("feed abandoned")

// copyBufferSize is the size of the chunks that a feed moves into its
// pipe.
const copyBufferSize = 64 * 1024

// Feed streams a source into a named pipe from a background goroutine.
// Opening the write end of a FIFO blocks until a reader opens the other
// end, so that happens in the goroutine too; `Materialize()` itself
// never waits for a reader.
type Feed struct {
	name   string
	pipe   *fifo.Pipe
	ref    *fileref.Ref
	cancel context.CancelFunc
	done   chan struct{}

	lock      sync.Mutex
	state     feedState
	abandoned bool
	w         *os.File

	// err is set by the writer goroutine before `done` is closed.
	err error

	closeOnce sync.Once
	closeErr  error
}

// Materialize starts streaming `src` into a fresh named pipe and
// returns once the pipe exists and the source has started.
func Materialize(ctx context.Context, src Source) (*Feed, error) {
	p, err := fifo.New()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := src.Stream(ctx)
	if err != nil {
		cancel()
		_ = p.Release()
		return nil, fmt.Errorf("starting %s: %w", src.Name(), err)
	}

	f := &Feed{
		name:   src.Name(),
		pipe:   p,
		ref:    fileref.New(p.Path(), fileref.ProcessOutput),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.run(stream)

	zap.L().Named("stage").Debug(
		"materialized stage",
		zap.String("stage", f.name), zap.String("path", p.Path()),
	)
	return f, nil
}

// Ref returns a reference to the pipe that the feed writes to.
func (f *Feed) Ref() *fileref.Ref {
	return f.ref
}

func (f *Feed) setState(state feedState) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.state = state
}

func (f *Feed) run(stream io.ReadCloser) {
	defer close(f.done)

	readErr := f.copy(stream)
	f.setState(feedFinishing)

	// If the copy was cut short, `stream` hasn't reached EOF, so
	// closing it terminates the source quietly.
	err := stream.Close()
	if readErr != nil {
		err = readErr
	}

	// Aborting the feed can also make the source end early with what
	// looks like a clean EOF, so its errors are ignored either way.
	f.lock.Lock()
	abandoned := f.abandoned
	f.lock.Unlock()
	if abandoned && (pipe.IsPipeError(err) || errors.Is(err, context.Canceled)) {
		err = nil
	}
	f.err = err
}

// copy moves the stream into the pipe. It only returns an error if
// reading from the stream fails; a consumer that goes away (or a feed
// that is abandoned) simply ends the copy.
func (f *Feed) copy(stream io.Reader) error {
	w, err := os.OpenFile(f.pipe.Path(), os.O_WRONLY, 0)
	if err != nil {
		f.lock.Lock()
		abandoned := f.abandoned
		f.lock.Unlock()
		if abandoned {
			return nil
		}
		return fmt.Errorf("opening %s for writing: %w", f.pipe.Path(), err)
	}
	defer w.Close()

	f.lock.Lock()
	if f.abandoned {
		f.lock.Unlock()
		return nil
	}
	f.w = w
	f.state = feedCopying
	f.lock.Unlock()

	buf := make([]byte, copyBufferSize)
	for {
		n, rErr := stream.Read(buf)
		if n > 0 {
			if _, wErr := w.Write(buf[:n]); wErr != nil {
				zap.L().Named("stage").Debug(
					"consumer stopped reading",
					zap.String("stage", f.name), zap.Error(wErr),
				)
				return nil
			}
		}
		switch {
		case rErr == io.EOF:
			return nil
		case rErr != nil:
			return fmt.Errorf("reading %s: %w", f.name, rErr)
		}
	}
}

// Close waits for the feed to finish and removes its pipe. A feed that
// is still waiting for a reader, or still writing, is aborted; errors
// caused by that are not reported. Errors from a source that ran to
// completion are.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		f.lock.Lock()
		f.abandoned = true
		state, w := f.state, f.w
		f.lock.Unlock()

		select {
		case <-f.done:
		default:
			switch state {
			case feedOpening:
				f.cancel()
				f.unblockOpen()
			case feedCopying:
				f.cancel()
				_ = w.SetWriteDeadline(time.Now())
			}
			<-f.done
		}
		f.cancel()

		err := f.err
		if rErr := f.pipe.Release(); err == nil {
			err = rErr
		}
		f.closeErr = err
	})
	return f.closeErr
}

// unblockOpen opens the read end of the pipe without blocking, which
// lets the writer's pending open complete, and holds it until the
// writer has exited.
func (f *Feed) unblockOpen() {
	fd, err := unix.Open(f.pipe.Path(), unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	<-f.done
	if err == nil {
		_ = unix.Close(fd)
	}
}
