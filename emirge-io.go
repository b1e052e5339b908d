package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/rprops/EMIRGE/fifo"
	"github.com/rprops/EMIRGE/internal/config"
	"github.com/rprops/EMIRGE/internal/logging"
	"github.com/rprops/EMIRGE/isatty"
	"github.com/rprops/EMIRGE/meter"
)

const usage = `usage: emirge-io [OPTIONS] COMMAND [ARGS...]

Commands:
    count [--json] FILE...
        Count the reads in FASTQ files, which may be compressed. With
        more than one file, a total follows.
    reindex [--tmpdir DIR] [--output PATH [--force]] [--json] FILE
        Write a copy of FILE whose read headers are replaced by their
        0-based positions, and print its path and read count.
    cat [--reindex] FILE...
        Write the decompressed (and optionally reindexed) contents of
        FILEs to stdout.
    run [--reindex] -- COMMAND [ARG...]
        Run COMMAND, replacing every argument of the form '<(FILE)'
        with a named pipe that streams the decompressed (and optionally
        reindexed) contents of FILE.
    codecs [--json]
        List the compression formats that are recognized by suffix.

Options:
`

// progressPeriod is how often progress meters are redrawn.
const progressPeriod = 200 * time.Millisecond

// env holds what the subcommands share.
type env struct {
	cfg      *config.Config
	stdout   io.Writer
	stderr   io.Writer
	progress bool
}

// newProgress returns a progress meter that writes to stderr, or one
// that is silent if progress reporting is off.
func (e *env) newProgress() meter.Progress {
	if !e.progress {
		return &meter.NoProgressMeter{}
	}
	return meter.NewProgressMeter(e.stderr, progressPeriod)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var progress bool
	var logLevel string
	var scratchDir string

	flags := pflag.NewFlagSet("emirge-io", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}

	atty, err := isatty.Isatty(os.Stderr.Fd())
	if err != nil {
		atty = false
	}

	flags.BoolVar(&progress, "progress", atty, "report progress to stderr")
	addNegatedFlag(flags, "progress", "suppress progress output")

	flags.StringVar(
		&logLevel, "log-level", cfg.LogLevel,
		"minimum `level` of log messages (debug, info, warn, error)",
	)
	flags.StringVar(
		&scratchDir, "scratch-dir", cfg.ScratchDir,
		"create named pipes under `dir` (default: system temporary directory)",
	)

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := logging.New(logging.Config{Level: logLevel, Development: cfg.LogDev})
	if err != nil {
		return err
	}
	defer logging.Install(logger)()

	cfg.ScratchDir = scratchDir
	if err := cfg.Apply(); err != nil {
		return err
	}
	defer func() {
		if err := fifo.Teardown(); err != nil {
			zap.L().Warn("removing scratch directory", zap.Error(err))
		}
	}()

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return errors.New("no command specified")
	}

	e := &env{
		cfg:      cfg,
		stdout:   stdout,
		stderr:   stderr,
		progress: progress,
	}

	switch rest[0] {
	case "count":
		return e.count(ctx, rest[1:])
	case "reindex":
		return e.reindex(ctx, rest[1:])
	case "cat":
		return e.cat(ctx, rest[1:])
	case "run":
		return e.run(ctx, rest[1:])
	case "codecs":
		return e.codecs(rest[1:])
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

// subcommandFlags returns a flag set for subcommand `name`.
func (e *env) subcommandFlags(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(e.stderr)
	flags.SetInterspersed(false)
	return flags
}
