package testutils

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cli/safeexec"
	"github.com/stretchr/testify/require"

	"github.com/rprops/EMIRGE/fifo"
)

var bases = []byte("ACGT")

// FASTQ returns `n` well-formed FASTQ records. Read IDs are
// `read_<i>/1` followed by a description, so that reindexing visibly
// changes every header.
func FASTQ(n int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		length := 20 + i%17
		seq := make([]byte, length)
		for j := range seq {
			seq[j] = bases[(i*7+j*3)%len(bases)]
		}
		fmt.Fprintf(&buf, "@read_%d/1 sample=%d\n", i, i%5)
		buf.Write(seq)
		buf.WriteString("\n+\n")
		buf.Write(bytes.Repeat([]byte{'I'}, length))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// WriteFile writes `contents` to `name` in `dir` and returns its path.
func WriteFile(t *testing.T, dir, name string, contents []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, contents, 0o644))
	return path
}

// WriteFASTQ writes `n` FASTQ records to `name` in `dir` and returns
// its path.
func WriteFASTQ(t *testing.T, dir, name string, n int) string {
	t.Helper()

	return WriteFile(t, dir, name, FASTQ(n))
}

// RequireCommand skips the test if `name` isn't in `PATH`, and
// otherwise returns its path.
func RequireCommand(t *testing.T, name string) string {
	t.Helper()

	path, err := safeexec.LookPath(name)
	if err != nil {
		t.Skipf("%s is not available: %v", name, err)
	}
	return path
}

// CompressFile compresses `path` by running `command -c path` and
// writes the result next to it, with `suffix` appended. The test is
// skipped if `command` isn't installed.
func CompressFile(t *testing.T, command, path, suffix string) string {
	t.Helper()

	bin := RequireCommand(t, command)

	out, err := os.Create(path + suffix)
	require.NoError(t, err)
	defer out.Close()

	cmd := exec.Command(bin, "-c", path)
	cmd.Stdout = out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	require.NoErrorf(t, cmd.Run(), "%s: %s", command, stderr.String())
	require.NoError(t, out.Close())

	return path + suffix
}

// ReadLines reads `r` to the end and splits it into lines, without
// their terminating newlines.
func ReadLines(t *testing.T, r io.Reader) []string {
	t.Helper()

	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

// ReadFileLines returns the lines of the file at `path`.
func ReadFileLines(t *testing.T, path string) []string {
	t.Helper()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(contents), "\n"), "\n")
}

// ScratchPipes returns the names of the named pipes that currently
// exist in the process's scratch directory.
func ScratchPipes(t *testing.T) []string {
	t.Helper()

	dir, err := fifo.ScratchDir()
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
