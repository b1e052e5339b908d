package fastq_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/rprops/EMIRGE/counts"
	"github.com/rprops/EMIRGE/fastq"
	"github.com/rprops/EMIRGE/fifo"
	"github.com/rprops/EMIRGE/fileref"
	"github.com/rprops/EMIRGE/internal/testutils"
	"github.com/rprops/EMIRGE/meter"
	"github.com/rprops/EMIRGE/stage"
	"github.com/rprops/EMIRGE/subst"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "fastq-test-")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fifo.SetBaseDir(dir)

	goleak.VerifyTestMain(
		m,
		goleak.Cleanup(func(exitCode int) {
			_ = fifo.Teardown()
			_ = os.RemoveAll(dir)
			os.Exit(exitCode)
		}),
	)
}

// gzipFile writes a gzipped copy of `path` next to it.
func gzipFile(t *testing.T, path string) string {
	t.Helper()
	ctx := context.Background()

	r, err := stage.Gzip(fileref.New(path, fileref.Regular)).Stream(ctx)
	require.NoError(t, err)
	out, err := os.Create(path + ".gz")
	require.NoError(t, err)
	_, err = io.Copy(out, r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, out.Close())
	return path + ".gz"
}

// checkReindexed checks that `got` holds the records of `input` with
// their headers replaced by their indexes.
func checkReindexed(t *testing.T, input, got []string) {
	t.Helper()

	require.Len(t, got, len(input))
	for i := range input {
		if i%4 == 0 {
			require.Equal(t, fmt.Sprintf("@%d", i/4), got[i], "line %d", i+1)
		} else {
			require.Equal(t, input[i], got[i], "line %d", i+1)
		}
	}
}

func TestReindex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	outDir := t.TempDir()

	path := testutils.WriteFASTQ(t, dir, "reads.fastq", 1000)

	out, n, err := fastq.Reindex(ctx, path, fastq.WithTempDir(outDir))
	require.NoError(t, err)
	assert.Equal(t, counts.Count64(1000), n)
	assert.Equal(t, outDir, filepath.Dir(out))
	assert.True(t, strings.HasPrefix(filepath.Base(out), "reindexed-"))

	checkReindexed(t, testutils.ReadFileLines(t, path), testutils.ReadFileLines(t, out))
}

func TestReindexCompressed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	path := testutils.WriteFASTQ(t, dir, "reads.fastq", 2000)
	zipped := gzipFile(t, path)

	out, n, err := fastq.Reindex(ctx, zipped, fastq.WithTempDir(dir))
	require.NoError(t, err)
	assert.Equal(t, counts.Count64(2000), n)

	checkReindexed(t, testutils.ReadFileLines(t, path), testutils.ReadFileLines(t, out))
}

func TestReindexFailureRemovesOutput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	outDir := t.TempDir()

	path := testutils.WriteFile(t, dir, "bad.fastq", []byte("@r0\nACGT\n+\nIIII\nr1\nACGT\n+\nIIII\n"))

	_, _, err := fastq.Reindex(ctx, path, fastq.WithTempDir(outDir))
	var fErr *fastq.FormatError
	require.ErrorAs(t, err, &fErr)
	assert.ErrorIs(t, err, fastq.ErrInvalid)
	assert.Equal(t, int64(5), fErr.Line)
	assert.Equal(t, "r1", fErr.Text)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReindexValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, _, err := fastq.Reindex(ctx, t.TempDir())
	assert.ErrorIs(t, err, fileref.ErrIsDirectory)

	_, _, err = fastq.Reindex(ctx, filepath.Join(t.TempDir(), "missing.fastq"))
	assert.ErrorIs(t, err, fileref.ErrNotFound)
}

func TestReindexProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	path := testutils.WriteFASTQ(t, dir, "reads.fastq", 10000)

	var buf bytes.Buffer
	progress := meter.NewProgressMeter(&buf, time.Hour)
	var out bytes.Buffer
	n, err := fastq.ReindexSource(
		ctx, fileref.New(path, fileref.Regular), &out, fastq.WithProgress(progress),
	)
	require.NoError(t, err)
	assert.Equal(t, counts.Count64(10000), n)
	assert.Contains(t, buf.String(), "Reindexing reads: 10.0k")
}

func headers(t *testing.T, p *fastq.Pass) []string {
	t.Helper()

	var hs []string
	for i := 0; p.Next(); i++ {
		if i%4 == 0 {
			hs = append(hs, p.Text())
		}
	}
	require.NoError(t, p.Err())
	require.NoError(t, p.Close())
	return hs
}

func expectedHeaders(n int) []string {
	hs := make([]string, n)
	for i := range hs {
		hs[i] = fmt.Sprintf("@%d", i)
	}
	return hs
}

func TestEnumeratorIsRestartable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := testutils.WriteFASTQ(t, t.TempDir(), "reads.fastq", 500)
	e := fastq.NewEnumerator(fileref.New(path, fileref.Regular))

	for i := 0; i < 2; i++ {
		p, err := e.NewPass(ctx)
		require.NoError(t, err)
		assert.Equal(t, expectedHeaders(500), headers(t, p))
		assert.Equal(t, counts.Count64(500), p.Records())
	}
}

func TestConcurrentPasses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := gzipFile(t, testutils.WriteFASTQ(t, t.TempDir(), "reads.fastq", 3000))
	e := fastq.NewEnumerator(stage.Decompressed(fileref.New(path, fileref.Regular)))

	results := make([][]string, 4)
	var eg errgroup.Group
	for i := range results {
		i := i
		eg.Go(func() error {
			p, err := e.NewPass(ctx)
			if err != nil {
				return err
			}
			var hs []string
			for j := 0; p.Next(); j++ {
				if j%4 == 0 {
					hs = append(hs, p.Text())
				}
			}
			if err := p.Err(); err != nil {
				_ = p.Close()
				return err
			}
			results[i] = hs
			return p.Close()
		})
	}
	require.NoError(t, eg.Wait())

	for _, hs := range results {
		assert.Equal(t, expectedHeaders(3000), hs)
	}
}

func TestPassClosedEarly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := gzipFile(t, testutils.WriteFASTQ(t, t.TempDir(), "reads.fastq", 20000))
	e := fastq.NewEnumerator(stage.Decompressed(fileref.New(path, fileref.Regular)))

	p, err := e.NewPass(ctx)
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		require.True(t, p.Next())
	}
	assert.Equal(t, "@2", p.Text())
	assert.Equal(t, counts.Count64(2), p.Records())
	assert.NoError(t, p.Err())
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}

func TestFormatErrors(t *testing.T) {
	t.Parallel()

	for _, p := range []struct {
		name  string
		input string
		err   error
		line  int64
	}{
		{"bad header", "read\nACGT\n+\nIIII\n", fastq.ErrInvalid, 1},
		{"empty header", "\nACGT\n+\nIIII\n", fastq.ErrInvalid, 1},
		{"bad separator", "@r\nACGT\n-\nIIII\n", fastq.ErrInvalid, 3},
		{"truncated", "@r\nACGT\n+\nIIII\n@s\nACGT\n", fastq.ErrShort, 6},
	} {
		p := p
		t.Run(p.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			path := testutils.WriteFile(t, t.TempDir(), "reads.fastq", []byte(p.input))
			e := fastq.NewEnumerator(fileref.New(path, fileref.Regular))

			_, err := e.Emit(ctx, io.Discard)
			var fErr *fastq.FormatError
			require.ErrorAs(t, err, &fErr)
			assert.ErrorIs(t, err, p.err)
			assert.Equal(t, p.line, fErr.Line)
			assert.Contains(t, err.Error(), path)
		})
	}
}

func TestEmptyInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := testutils.WriteFile(t, t.TempDir(), "empty.fastq", nil)
	var out bytes.Buffer
	n, err := fastq.NewEnumerator(fileref.New(path, fileref.Regular)).Emit(ctx, &out)
	require.NoError(t, err)
	assert.Equal(t, counts.Count64(0), n)
	assert.Empty(t, out.Bytes())

	n, err = fastq.CountReads(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, counts.Count64(0), n)
}

func TestCountReads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	path := testutils.WriteFASTQ(t, dir, "reads.fastq", 50000)
	n, err := fastq.CountReads(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, counts.Count64(50000), n)
	assert.Equal(t, len(testutils.ReadFileLines(t, path)), int(n)*4)

	n, err = fastq.CountReads(ctx, gzipFile(t, path))
	require.NoError(t, err)
	assert.Equal(t, counts.Count64(50000), n)

	unterminated := testutils.WriteFile(t, dir, "unterminated.fastq", []byte("@r\nACGT\n+\nIIII"))
	n, err = fastq.CountReads(ctx, unterminated)
	require.NoError(t, err)
	assert.Equal(t, counts.Count64(1), n)

	short := testutils.WriteFile(t, dir, "short.fastq", []byte("@r\nACGT\n+\nIIII\n@s\n"))
	_, err = fastq.CountReads(ctx, short)
	var fErr *fastq.FormatError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, int64(5), fErr.Line)

	_, err = fastq.CountReads(ctx, dir)
	assert.ErrorIs(t, err, fileref.ErrIsDirectory)
}

func TestCountCompressedWithExternalTools(t *testing.T) {
	t.Parallel()

	for _, p := range []struct {
		command, suffix string
	}{
		{"bzip2", ".bz2"},
		{"xz", ".xz"},
		{"lz4", ".lz4"},
	} {
		p := p
		t.Run(p.command, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			path := testutils.WriteFASTQ(t, t.TempDir(), "reads.fastq", 777)
			compressed := testutils.CompressFile(t, p.command, path, p.suffix)

			n, err := fastq.CountReads(ctx, compressed)
			require.NoError(t, err)
			assert.Equal(t, counts.Count64(777), n)
		})
	}
}

func TestEnumeratorSubstitution(t *testing.T) {
	ctx := context.Background()

	path := testutils.WriteFASTQ(t, t.TempDir(), "reads.fastq", 1000)
	src := fileref.New(path, fileref.Regular)

	var out bytes.Buffer
	require.NoError(t, subst.Run(
		ctx, &out, "cat", fastq.NewEnumerator(src), fastq.NewEnumerator(src),
	))

	got := testutils.ReadLines(t, &out)
	require.Len(t, got, 8000)
	input := testutils.ReadFileLines(t, path)
	checkReindexed(t, input, got[:4000])
	checkReindexed(t, input, got[4000:])
	assert.Empty(t, testutils.ScratchPipes(t))
}

func TestOneEnumeratorSubstitutedTwice(t *testing.T) {
	ctx := context.Background()

	path := testutils.WriteFASTQ(t, t.TempDir(), "reads.fastq", 1000)
	e := fastq.NewEnumerator(fileref.New(path, fileref.Regular))

	var out bytes.Buffer
	require.NoError(t, subst.Run(ctx, &out, "cat", e, e))

	got := testutils.ReadLines(t, &out)
	require.Len(t, got, 8000)
	input := testutils.ReadFileLines(t, path)
	checkReindexed(t, input, got[:4000])
	checkReindexed(t, input, got[4000:])
	assert.Empty(t, testutils.ScratchPipes(t))
}

func TestEnumeratorOpenedTwice(t *testing.T) {
	ctx := context.Background()

	path := testutils.WriteFASTQ(t, t.TempDir(), "reads.fastq", 300)
	e := fastq.NewEnumerator(fileref.New(path, fileref.Regular))

	first, err := e.Open(ctx)
	require.NoError(t, err)
	second, err := e.Open(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.Path(), second.Path())

	// Read the second pipe only; the first is abandoned unread.
	f, err := os.Open(second.Path())
	require.NoError(t, err)
	got := testutils.ReadLines(t, f)
	require.NoError(t, f.Close())
	checkReindexed(t, testutils.ReadFileLines(t, path), got)

	require.NoError(t, e.Close())
	assert.Empty(t, testutils.ScratchPipes(t))

	// Closing again is a no-op.
	assert.NoError(t, e.Close())
}

func TestThreeStageChain(t *testing.T) {
	ctx := context.Background()

	path := testutils.WriteFASTQ(t, t.TempDir(), "reads.fastq", 50000)
	zipped := gzipFile(t, path)

	ref, err := fileref.ValidateInput(zipped)
	require.NoError(t, err)

	e := fastq.NewEnumerator(stage.Decompressed(ref))
	// The enumerator's output has no compression suffix:
	again := stage.Decompressed(e)
	require.Same(t, e, again)

	chain := stage.NewCommand(again, "cat")
	out, err := chain.Open(ctx)
	require.NoError(t, err)

	f, err := os.Open(out.Path())
	require.NoError(t, err)
	got := testutils.ReadLines(t, f)
	require.NoError(t, f.Close())
	require.NoError(t, chain.Close())

	checkReindexed(t, testutils.ReadFileLines(t, path), got)
	assert.Empty(t, testutils.ScratchPipes(t))
}

func TestSourceFailureWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := testutils.WriteFASTQ(t, t.TempDir(), "reads.fastq", 10)
	failing := stage.NewCommand(fileref.New(path, fileref.Regular), "sh", "-c", "head -n 6; exit 2")

	_, err := fastq.NewEnumerator(failing).Emit(ctx, io.Discard)
	var pErr *stage.ProcessError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, 2, pErr.ExitCode)
}
