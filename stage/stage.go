// Package stage composes streaming transformations of files. A stage
// is backed either by an external filter process or by a Go function,
// and its output can be consumed in-process (`Stream()`) or through a
// named pipe whose path can be handed to another program (`Open()`).
package stage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/github/go-pipe/pipe"

	"github.com/rprops/EMIRGE/fileref"
)

// Source is anything that can produce a byte stream: a file, an
// external filter stage, or an in-process producer.
type Source interface {
	// Name identifies the source in errors and logs. For files it is
	// the path, which is what `Decompressed()` dispatches on.
	Name() string

	// Stream starts producing (transitively starting any upstream
	// sources) and returns a reader over the output. Closing the
	// reader waits for every process involved and reports their
	// failures. Closing it before EOF terminates the producers.
	Stream(ctx context.Context) (io.ReadCloser, error)

	// Open starts producing into a named pipe and returns a reference
	// to that pipe without waiting for a reader to attach. Every
	// successful `Open()` must be followed by `Close()`.
	Open(ctx context.Context) (*fileref.Ref, error)

	// Close waits for the producer started by `Open()` and releases
	// its pipe. It must only be called after whoever reads the pipe is
	// done with it; a producer that is still blocked is terminated.
	Close() error
}

// Opener holds the state of a source's single `Open()`/`Close()`
// cycle. Source implementations embed it.
type Opener struct {
	lock sync.Mutex
	feed *Feed
}

// Materialize opens `src` through a fresh named pipe. It fails if the
// previous one hasn't been closed yet.
func (o *Opener) Materialize(ctx context.Context, src Source) (*fileref.Ref, error) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.feed != nil {
		return nil, fmt.Errorf("%s is already open", src.Name())
	}
	f, err := Materialize(ctx, src)
	if err != nil {
		return nil, err
	}
	o.feed = f
	return f.Ref(), nil
}

// Close closes the currently open feed, if any.
func (o *Opener) Close() error {
	o.lock.Lock()
	f := o.feed
	o.feed = nil
	o.lock.Unlock()

	if f == nil {
		return nil
	}
	return f.Close()
}

// FeedSet is the `Open()`/`Close()` state of a source that can be
// materialized any number of times at once, each time through its own
// named pipe and its own run of the source.
type FeedSet struct {
	lock  sync.Mutex
	feeds []*Feed
}

// Materialize opens `src` through a fresh named pipe.
func (s *FeedSet) Materialize(ctx context.Context, src Source) (*fileref.Ref, error) {
	f, err := Materialize(ctx, src)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.feeds = append(s.feeds, f)
	return f.Ref(), nil
}

// Close closes every feed opened since the last `Close()`, newest
// first, and returns the first error.
func (s *FeedSet) Close() error {
	s.lock.Lock()
	feeds := s.feeds
	s.feeds = nil
	s.lock.Unlock()

	var err error
	for i := len(feeds) - 1; i >= 0; i-- {
		if fErr := feeds[i].Close(); err == nil {
			err = fErr
		}
	}
	return err
}

// ProduceFunc writes a stream of bytes to `w`. It is run in its own
// goroutine and should return promptly once `ctx` is done.
type ProduceFunc func(ctx context.Context, w io.Writer) error

// Producer is a `Source` whose bytes are generated in-process.
type Producer struct {
	Opener

	name    string
	produce ProduceFunc
}

// Func returns a `Source` that runs `produce` each time it is streamed
// or opened.
func Func(name string, produce ProduceFunc) *Producer {
	return &Producer{
		name:    name,
		produce: produce,
	}
}

func (p *Producer) Name() string {
	return p.name
}

func (p *Producer) Stream(ctx context.Context) (io.ReadCloser, error) {
	return StartPipeline(
		ctx, nil,
		pipe.Function(
			p.name,
			func(ctx context.Context, _ pipe.Env, _ io.Reader, stdout io.Writer) error {
				return p.produce(ctx, stdout)
			},
		),
	)
}

func (p *Producer) Open(ctx context.Context) (*fileref.Ref, error) {
	return p.Materialize(ctx, p)
}
