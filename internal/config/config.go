// Package config loads settings from the environment and from an
// optional YAML file of extra compression codecs.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"github.com/rprops/EMIRGE/fifo"
	"github.com/rprops/EMIRGE/stage"
)

// Prefix is prepended to the names of all environment variables.
const Prefix = "EMIRGE"

// Config holds all settings.
type Config struct {
	// ScratchDir is where the directory holding named pipes is
	// created. Empty means the system temporary directory.
	ScratchDir string `envconfig:"SCRATCH_DIR"`
	// TempDir is where reindexed files are written.
	TempDir string `envconfig:"TMPDIR"`
	// CodecsFile names a YAML file of additional codecs.
	CodecsFile string `envconfig:"CODECS"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"warn"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load reads the configuration from `EMIRGE_*` environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// codecFile is the layout of the codecs file.
type codecFile struct {
	Codecs []stage.Codec `yaml:"codecs"`
}

// LoadCodecs reads codec definitions from the YAML file at `path`.
func LoadCodecs(path string) ([]stage.Codec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading codecs: %w", err)
	}

	var f codecFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing codecs file %s: %w", path, err)
	}
	return f.Codecs, nil
}

// Apply puts the configuration into effect: it sets the scratch
// directory and registers any extra codecs.
func (cfg *Config) Apply() error {
	if cfg.ScratchDir != "" {
		fifo.SetBaseDir(cfg.ScratchDir)
	}

	if cfg.CodecsFile == "" {
		return nil
	}
	codecs, err := LoadCodecs(cfg.CodecsFile)
	if err != nil {
		return err
	}
	for _, c := range codecs {
		if err := stage.RegisterCodec(c); err != nil {
			return fmt.Errorf("%s: %w", cfg.CodecsFile, err)
		}
	}
	return nil
}
