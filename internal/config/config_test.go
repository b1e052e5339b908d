package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rprops/EMIRGE/internal/config"
	"github.com/rprops/EMIRGE/stage"
)

func TestLoadDefaults(t *testing.T) {
	for _, name := range []string{"EMIRGE_SCRATCH_DIR", "EMIRGE_LOG_LEVEL", "EMIRGE_LOG_DEV"} {
		// Register the variable for restoring, then remove it:
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "", cfg.ScratchDir)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.False(t, cfg.LogDev)
}

func TestLoadFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("EMIRGE_SCRATCH_DIR", dir)
	t.Setenv("EMIRGE_TMPDIR", dir)
	t.Setenv("EMIRGE_LOG_LEVEL", "debug")
	t.Setenv("EMIRGE_LOG_DEV", "true")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ScratchDir)
	assert.Equal(t, dir, cfg.TempDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogDev)

	t.Setenv("EMIRGE_LOG_DEV", "maybe")
	_, err = config.Load()
	assert.Error(t, err)
}

func TestCodecsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codecs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
codecs:
  - name: test-identity
    suffix: .ident
    command: cat
  - name: test-brotli
    suffix: .br
    command: brotli
    compress: [-c]
    decompress: [-dc]
`), 0o644))

	codecs, err := config.LoadCodecs(path)
	require.NoError(t, err)
	require.Len(t, codecs, 2)
	assert.Equal(t, "test-brotli", codecs[1].Name)
	assert.Equal(t, []string{"-dc"}, codecs[1].DecompressArgs)

	cfg := &config.Config{}
	cfg.CodecsFile = path
	require.NoError(t, cfg.Apply())

	c, ok := stage.CodecForName("reads.fastq.br")
	require.True(t, ok)
	assert.Equal(t, "brotli", c.Command)
}

func TestBadCodecsFile(t *testing.T) {
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.CodecsFile = filepath.Join(dir, "missing.yaml")
	assert.Error(t, cfg.Apply())

	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("codecs:\n  - name: nosuffix\n    command: cat\n"), 0o644))
	cfg.CodecsFile = path
	assert.ErrorContains(t, cfg.Apply(), "invalid suffix")
}
