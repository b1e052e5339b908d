package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Codec describes a compression format and the filter command that
// handles it. Both directions use standard input and output.
type Codec struct {
	// Name identifies the codec, e.g. "gzip".
	Name string `yaml:"name"`
	// Suffix is the file-name suffix, including the dot, e.g. ".gz".
	Suffix string `yaml:"suffix"`
	// Command is the filter executable. It may be empty for codecs
	// that are always handled in-process.
	Command        string   `yaml:"command"`
	CompressArgs   []string `yaml:"compress"`
	DecompressArgs []string `yaml:"decompress"`

	compress   Filter
	decompress Filter
}

// InProcess reports whether the codec can run without its command.
func (c Codec) InProcess() bool {
	return c.compress != nil && c.decompress != nil
}

var builtinCodecs = []Codec{
	{
		Name: "gzip", Suffix: ".gz", Command: "gzip",
		CompressArgs: []string{"-c"}, DecompressArgs: []string{"-dc"},
		compress: gzipCompress, decompress: gzipDecompress,
	},
	{
		Name: "bzip2", Suffix: ".bz2", Command: "bzip2",
		CompressArgs: []string{"-c"}, DecompressArgs: []string{"-dc"},
	},
	{
		Name: "xz", Suffix: ".xz", Command: "xz",
		CompressArgs: []string{"-c"}, DecompressArgs: []string{"-dc"},
	},
	{
		Name: "lz4", Suffix: ".lz4", Command: "lz4",
		CompressArgs: []string{"-c"}, DecompressArgs: []string{"-dc"},
	},
	{
		Name: "zstd", Suffix: ".zst", Command: "zstd",
		CompressArgs: []string{"-q", "-c"}, DecompressArgs: []string{"-q", "-dc"},
		compress: zstdCompress, decompress: zstdDecompress,
	},
	{
		Name: "snappy", Suffix: ".sz",
		compress: snappyCompress, decompress: snappyDecompress,
	},
}

var codecs = struct {
	lock  sync.RWMutex
	table []Codec
}{
	table: append([]Codec(nil), builtinCodecs...),
}

// RegisterCodec adds `c` to the codec table, replacing any codec with
// the same name.
func RegisterCodec(c Codec) error {
	switch {
	case c.Name == "":
		return errors.New("codec has no name")
	case !strings.HasPrefix(c.Suffix, ".") || len(c.Suffix) < 2:
		return fmt.Errorf("codec %q: invalid suffix %q", c.Name, c.Suffix)
	case c.Command == "" && !c.InProcess():
		return fmt.Errorf("codec %q: no command", c.Name)
	}
	c.Suffix = strings.ToLower(c.Suffix)

	codecs.lock.Lock()
	defer codecs.lock.Unlock()

	for i := range codecs.table {
		if codecs.table[i].Name == c.Name {
			codecs.table[i] = c
			return nil
		}
	}
	codecs.table = append(codecs.table, c)
	return nil
}

// Codecs returns a copy of the codec table.
func Codecs() []Codec {
	codecs.lock.RLock()
	defer codecs.lock.RUnlock()
	return append([]Codec(nil), codecs.table...)
}

// LookupCodec returns the codec called `name`.
func LookupCodec(name string) (Codec, bool) {
	codecs.lock.RLock()
	defer codecs.lock.RUnlock()

	for _, c := range codecs.table {
		if c.Name == name {
			return c, true
		}
	}
	return Codec{}, false
}

// CodecForName returns the codec whose suffix `name` ends with,
// ignoring case. If several match, the longest suffix wins.
func CodecForName(name string) (Codec, bool) {
	name = strings.ToLower(name)

	codecs.lock.RLock()
	defer codecs.lock.RUnlock()

	var best Codec
	found := false
	for _, c := range codecs.table {
		if strings.HasSuffix(name, c.Suffix) && (!found || len(c.Suffix) > len(best.Suffix)) {
			best, found = c, true
		}
	}
	return best, found
}

// Decompressed returns a source yielding the decompressed contents of
// `src`, chosen by the suffix of `src.Name()`. Sources with no known
// suffix are returned unchanged.
func Decompressed(src Source) Source {
	c, ok := CodecForName(src.Name())
	if !ok {
		return src
	}
	return Decompress(c, src)
}

// Decompress returns a stage that decompresses `src` with `c`.
func Decompress(c Codec, src Source) *Command {
	s := NewCommand(src, c.Command, c.DecompressArgs...)
	s.fallback = c.decompress
	if c.Command == "" {
		s.name = c.Name + " -d"
	}
	return s
}

// Compress returns a stage that compresses `src` with `c`.
func Compress(c Codec, src Source) *Command {
	s := NewCommand(src, c.Command, c.CompressArgs...)
	s.fallback = c.compress
	if c.Command == "" {
		s.name = c.Name
	}
	return s
}

func mustCodec(name string) Codec {
	c, ok := LookupCodec(name)
	if !ok {
		panic(fmt.Sprintf("codec %q is not registered", name))
	}
	return c
}

// Gzip returns a stage that gzips `src`.
func Gzip(src Source) *Command {
	return Compress(mustCodec("gzip"), src)
}

// Gunzip returns a stage that gunzips `src`.
func Gunzip(src Source) *Command {
	return Decompress(mustCodec("gzip"), src)
}

// copyContext copies `r` to `w`, giving up between chunks once `ctx`
// is done.
func copyContext(ctx context.Context, w io.Writer, r io.Reader) error {
	buf := make([]byte, copyBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rErr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
		}
		switch {
		case rErr == io.EOF:
			return nil
		case rErr != nil:
			return rErr
		}
	}
}

func gzipCompress(ctx context.Context, r io.Reader, w io.Writer) error {
	zw := pgzip.NewWriter(w)
	err := copyContext(ctx, zw, r)
	if cErr := zw.Close(); err == nil {
		err = cErr
	}
	return err
}

func gzipDecompress(ctx context.Context, r io.Reader, w io.Writer) error {
	zr, err := pgzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("reading gzip header: %w", err)
	}
	err = copyContext(ctx, w, zr)
	if cErr := zr.Close(); err == nil {
		err = cErr
	}
	return err
}

func zstdCompress(ctx context.Context, r io.Reader, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	err = copyContext(ctx, zw, r)
	if cErr := zw.Close(); err == nil {
		err = cErr
	}
	return err
}

func zstdDecompress(ctx context.Context, r io.Reader, w io.Writer) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()
	return copyContext(ctx, w, zr)
}

func snappyCompress(ctx context.Context, r io.Reader, w io.Writer) error {
	zw := snappy.NewBufferedWriter(w)
	err := copyContext(ctx, zw, r)
	if cErr := zw.Close(); err == nil {
		err = cErr
	}
	return err
}

func snappyDecompress(ctx context.Context, r io.Reader, w io.Writer) error {
	return copyContext(ctx, w, snappy.NewReader(r))
}
