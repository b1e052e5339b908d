// Package fastq reads FASTQ streams and renumbers their reads.
//
// A FASTQ record is four lines: a header starting with '@', the
// sequence, a separator starting with '+', and the quality string.
// Reindexing replaces each header with '@' followed by the record's
// 0-based position in the stream, leaving the other lines alone.
package fastq

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/github/go-pipe/pipe"

	"github.com/rprops/EMIRGE/counts"
	"github.com/rprops/EMIRGE/fileref"
	"github.com/rprops/EMIRGE/meter"
	"github.com/rprops/EMIRGE/stage"
)

const (
	linesPerRecord = 4

	// maxLineSize bounds the length of a single line, including long
	// reads.
	maxLineSize = 16 * 1024 * 1024

	// checkInterval is how many lines pass between checks of the
	// context and updates of the progress meter.
	checkInterval = 4096
)

// Enumerator reindexes the reads of a FASTQ source. It keeps no
// iteration state of its own: every pass reads the source afresh, so
// passes can be made one after another or concurrently.
//
// An `Enumerator` is itself a `stage.Source` whose output is the
// reindexed stream, so it can be piped into further stages or
// substituted into a command line. It can be opened several times at
// once; `Close()` closes every pipe it has open.
type Enumerator struct {
	*stage.Producer

	src   stage.Source
	feeds stage.FeedSet
}

// NewEnumerator returns an enumerator over `src`, which must yield
// uncompressed FASTQ. Use `stage.Decompressed()` to get such a source
// from a possibly-compressed file.
func NewEnumerator(src stage.Source) *Enumerator {
	e := &Enumerator{src: src}
	e.Producer = stage.Func(
		fmt.Sprintf("reindex(%s)", src.Name()),
		func(ctx context.Context, w io.Writer) error {
			_, err := e.Emit(ctx, w)
			return err
		},
	)
	return e
}

// Open starts a new pass that writes into a fresh named pipe, and
// returns a reference to the pipe.
func (e *Enumerator) Open(ctx context.Context) (*fileref.Ref, error) {
	return e.feeds.Materialize(ctx, e)
}

// Close waits for every pass started by `Open()` and removes their
// pipes.
func (e *Enumerator) Close() error {
	return e.feeds.Close()
}

// NewPass starts a new pass over the source.
func (e *Enumerator) NewPass(ctx context.Context) (*Pass, error) {
	stream, err := e.src.Stream(ctx)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(pipe.ScanLFTerminatedLines)

	return &Pass{
		name:    e.src.Name(),
		stream:  stream,
		scanner: scanner,
	}, nil
}

// Emit makes one pass and writes the reindexed records to `w`,
// returning the number of records written.
func (e *Enumerator) Emit(ctx context.Context, w io.Writer) (counts.Count64, error) {
	return e.writePass(ctx, w, &meter.NoProgressMeter{})
}

func (e *Enumerator) writePass(
	ctx context.Context, w io.Writer, progress meter.Progress,
) (counts.Count64, error) {
	p, err := e.NewPass(ctx)
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriterSize(w, 64*1024)
	var reported counts.Count64
	for p.Next() {
		if p.line%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				_ = p.Close()
				return p.Records(), err
			}
			progress.Add(int64(p.Records() - reported))
			reported = p.Records()
		}

		if _, err := bw.Write(p.Bytes()); err != nil {
			_ = p.Close()
			return p.Records(), err
		}
		if err := bw.WriteByte('\n'); err != nil {
			_ = p.Close()
			return p.Records(), err
		}
	}
	progress.Add(int64(p.Records() - reported))

	if err := p.finish(); err != nil {
		return p.Records(), err
	}
	if err := bw.Flush(); err != nil {
		return p.Records(), err
	}
	return p.Records(), nil
}

// Pass is a cursor over the lines of one pass of an `Enumerator`. The
// header line of each record is replaced by its index. A `Pass` must
// be closed.
type Pass struct {
	name    string
	stream  io.ReadCloser
	scanner *bufio.Scanner

	// line is the number of lines consumed so far.
	line    int64
	records counts.Count64
	header  []byte
	cur     []byte

	err    error
	done   bool
	closed bool
}

// Next advances to the next line. It returns false at the end of the
// stream or when an error occurs; check `Err()` to tell which.
func (p *Pass) Next() bool {
	if p.err != nil || p.done {
		return false
	}

	if !p.scanner.Scan() {
		p.done = true
		switch {
		case p.scanner.Err() != nil:
			p.err = fmt.Errorf("reading %s: %w", p.name, p.scanner.Err())
		case p.line%linesPerRecord != 0:
			p.err = newFormatError(
				p.name, p.line, ErrShort,
				fmt.Sprintf("last record has only %d lines", p.line%linesPerRecord), nil,
			)
		}
		return false
	}

	line := p.scanner.Bytes()
	p.line++

	switch (p.line - 1) % linesPerRecord {
	case 0:
		if len(line) == 0 || line[0] != '@' {
			p.err = newFormatError(p.name, p.line, ErrInvalid, "header does not start with '@'", line)
			return false
		}
		p.header = strconv.AppendUint(append(p.header[:0], '@'), uint64(p.records), 10)
		p.cur = p.header
	case 2:
		if len(line) == 0 || line[0] != '+' {
			p.err = newFormatError(p.name, p.line, ErrInvalid, "separator does not start with '+'", line)
			return false
		}
		p.cur = line
	case 3:
		p.records.Increment(1)
		p.cur = line
	default:
		p.cur = line
	}
	return true
}

// Bytes returns the current line, without its newline. The slice is
// only valid until the next call to `Next()`.
func (p *Pass) Bytes() []byte {
	return p.cur
}

// Text returns the current line as a string.
func (p *Pass) Text() string {
	return string(p.cur)
}

// Records returns the number of complete records read so far.
func (p *Pass) Records() counts.Count64 {
	return p.records
}

// Err returns the error that stopped the pass, if any.
func (p *Pass) Err() error {
	return p.err
}

// Close releases the source stream. Closing a pass before it is
// finished stops whatever was producing it.
func (p *Pass) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.stream.Close()
}

// finish closes the pass and returns the most informative error: a
// failure of the source takes precedence over what it did to the
// FASTQ structure.
func (p *Pass) finish() error {
	if err := p.Close(); err != nil {
		return err
	}
	return p.err
}
