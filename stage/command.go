package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/cli/safeexec"
	"github.com/github/go-pipe/pipe"
	"go.uber.org/zap"

	"github.com/rprops/EMIRGE/fileref"
)

// Filter transforms the bytes read from `r` into the bytes written to
// `w`. It is the in-process counterpart of a filter command.
type Filter func(ctx context.Context, r io.Reader, w io.Writer) error

// Command is a `Source` that pipes its upstream source through an
// external filter process. A filter reads its standard input, writes
// its standard output, and exits when its input ends.
type Command struct {
	Opener

	name     string
	upstream Source
	command  string
	args     []string

	// fallback, if set, is used when `command` is empty or can't be
	// found.
	fallback Filter
}

// NewCommand returns a stage that runs `command args...` with the
// output of `upstream` as its standard input. Nothing is started until
// the stage is streamed or opened.
func NewCommand(upstream Source, command string, args ...string) *Command {
	return &Command{
		name:     command,
		upstream: upstream,
		command:  command,
		args:     args,
	}
}

// Name returns the name of the command.
func (s *Command) Name() string {
	return s.name
}

// Upstream returns the source that feeds this stage.
func (s *Command) Upstream() Source {
	return s.upstream
}

func (s *Command) String() string {
	return fmt.Sprintf("%s %s < %s", s.name, strings.Join(s.args, " "), s.upstream.Name())
}

func (s *Command) Stream(ctx context.Context) (io.ReadCloser, error) {
	if ref, ok := s.upstream.(*fileref.Ref); ok && ref.Kind() == fileref.Regular {
		return s.streamFile(ctx, ref)
	}

	up, err := s.upstream.Stream(ctx)
	if err != nil {
		return nil, err
	}

	filter, err := s.filterStage(nil)
	if err != nil {
		_ = up.Close()
		return nil, err
	}

	s.logStart()
	return StartPipeline(ctx, nil, feedStage(s.upstream.Name(), up), filter)
}

// streamFile runs the filter with the regular file `ref` as its
// standard input.
func (s *Command) streamFile(ctx context.Context, ref *fileref.Ref) (io.ReadCloser, error) {
	f, err := os.Open(ref.Path())
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", ref.Path(), err)
	}

	filter, err := s.filterStage(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	s.logStart()
	return StartPipeline(ctx, f.Close, filter)
}

func (s *Command) logStart() {
	zap.L().Named("stage").Debug(
		"starting stage",
		zap.String("stage", s.name), zap.Strings("args", s.args),
		zap.String("upstream", s.upstream.Name()),
	)
}

func (s *Command) Open(ctx context.Context) (*fileref.Ref, error) {
	return s.Materialize(ctx, s)
}

// filterStage returns the pipeline stage that does the filtering. If
// `stdin` is nil, the stage reads from its predecessor in the
// pipeline.
func (s *Command) filterStage(stdin *os.File) (pipe.Stage, error) {
	if s.command != "" {
		bin, err := lookPath(s.command)
		if err == nil {
			cmd := exec.Command(bin, s.args...)
			if stdin != nil {
				cmd.Stdin = stdin
			}
			return pipe.CommandStage(s.name, cmd), nil
		}
		if s.fallback == nil {
			return nil, fmt.Errorf(
				"could not find %q executable (is it in your PATH?): %w", s.command, err,
			)
		}
		zap.L().Named("stage").Debug(
			"command not found; filtering in-process", zap.String("command", s.command),
		)
	} else if s.fallback == nil {
		return nil, fmt.Errorf("stage %q has neither a command nor a filter", s.name)
	}

	fallback := s.fallback
	return pipe.Function(
		s.name,
		func(ctx context.Context, _ pipe.Env, in io.Reader, stdout io.Writer) error {
			if stdin != nil {
				in = stdin
			}
			return fallback(ctx, in, stdout)
		},
	), nil
}

type lookup struct {
	once sync.Once
	path string
	err  error
}

var lookups sync.Map

func findExecutable(name string) (string, error) {
	v, _ := lookups.LoadOrStore(name, &lookup{})
	l := v.(*lookup)
	l.once.Do(func() {
		l.path, l.err = safeexec.LookPath(name)
	})
	return l.path, l.err
}

// lookPath finds an executable in `PATH`, remembering the answer for
// the lifetime of the process.
var lookPath = findExecutable

// LookPath finds the executable for `name` the same way that stages
// do.
func LookPath(name string) (string, error) {
	return lookPath(name)
}
