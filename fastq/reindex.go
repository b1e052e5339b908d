package fastq

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/rprops/EMIRGE/counts"
	"github.com/rprops/EMIRGE/fileref"
	"github.com/rprops/EMIRGE/meter"
	"github.com/rprops/EMIRGE/stage"
)

type options struct {
	tempDir  string
	progress meter.Progress
}

// Option configures `Reindex()`, `ReindexSource()` and `CountReads()`.
type Option func(*options)

// WithTempDir sets the directory for reindexed files. The default is
// `os.TempDir()`.
func WithTempDir(dir string) Option {
	return func(o *options) {
		o.tempDir = dir
	}
}

// WithProgress reports the number of records processed to `progress`.
func WithProgress(progress meter.Progress) Option {
	return func(o *options) {
		o.progress = progress
	}
}

func newOptions(opts []Option) options {
	o := options{
		progress: &meter.NoProgressMeter{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Reindex writes a reindexed copy of the FASTQ file at `path`, which
// may be compressed, to a new temporary file. It returns the path of
// that file and the number of records in it. If anything goes wrong,
// the temporary file is removed.
func Reindex(ctx context.Context, path string, opts ...Option) (string, counts.Count64, error) {
	o := newOptions(opts)

	ref, err := fileref.ValidateInput(path)
	if err != nil {
		return "", 0, err
	}

	f, err := os.CreateTemp(o.tempDir, "reindexed-*.fastq")
	if err != nil {
		return "", 0, fmt.Errorf("creating reindexed file: %w", err)
	}

	n, err := ReindexSource(ctx, stage.Decompressed(ref), f, opts...)
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", 0, err
	}

	zap.L().Named("fastq").Debug(
		"reindexed reads",
		zap.String("input", path), zap.String("output", f.Name()),
		zap.Uint64("records", n.ToUint64()),
	)
	return f.Name(), n, nil
}

// ReindexSource writes the reindexed records of `src` to `w` and
// returns how many there were.
func ReindexSource(
	ctx context.Context, src stage.Source, w io.Writer, opts ...Option,
) (counts.Count64, error) {
	o := newOptions(opts)

	o.progress.Start("Reindexing reads: %s")
	defer o.progress.Done()

	return NewEnumerator(src).writePass(ctx, w, o.progress)
}

// CountReads counts the records in the FASTQ file at `path`, which may
// be compressed.
func CountReads(ctx context.Context, path string, opts ...Option) (counts.Count64, error) {
	ref, err := fileref.ValidateInput(path)
	if err != nil {
		return 0, err
	}
	return Count(ctx, stage.Decompressed(ref), opts...)
}

// Count counts the records in `src` by counting its lines. It fails
// with a `*FormatError` unless the number of lines is a multiple of
// four. A final line without a newline still counts.
func Count(ctx context.Context, src stage.Source, opts ...Option) (counts.Count64, error) {
	o := newOptions(opts)

	r, err := src.Stream(ctx)
	if err != nil {
		return 0, err
	}

	o.progress.Start("Counting lines: %s")
	defer o.progress.Done()

	buf := make([]byte, 256*1024)
	var lines int64
	var last byte
	empty := true
	for {
		if err := ctx.Err(); err != nil {
			_ = r.Close()
			return 0, err
		}

		n, rErr := r.Read(buf)
		if n > 0 {
			newlines := int64(bytes.Count(buf[:n], []byte{'\n'}))
			lines += newlines
			o.progress.Add(newlines)
			last = buf[n-1]
			empty = false
		}
		if rErr == io.EOF {
			break
		}
		if rErr != nil {
			_ = r.Close()
			return 0, fmt.Errorf("reading %s: %w", src.Name(), rErr)
		}
	}
	if err := r.Close(); err != nil {
		return 0, err
	}

	if !empty && last != '\n' {
		lines++
	}
	if lines%linesPerRecord != 0 {
		return 0, newFormatError(
			src.Name(), lines, ErrShort,
			fmt.Sprintf("%d lines is not a multiple of %d", lines, linesPerRecord), nil,
		)
	}
	return counts.NewCount64(uint64(lines / linesPerRecord)), nil
}
