// Package subst runs external commands whose arguments can include the
// outputs of stages. Each such argument is replaced by the path of a
// named pipe that the stage writes to, like `<(...)` in bash.
package subst

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/github/go-pipe/pipe"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rprops/EMIRGE/fileref"
	"github.com/rprops/EMIRGE/stage"
)

// Substitution is an argument vector whose stage arguments have been
// opened. It must be cleaned up once the command using it has exited.
type Substitution struct {
	argv   []string
	opened []stage.Source
	paths  []string

	cleanupOnce sync.Once
	cleanupErr  error
}

// Build opens every `stage.Source` in `spec` and returns the resulting
// argument vector. Other elements of `spec` must be strings, which are
// used verbatim. If any source fails to open, those already opened are
// closed again.
//
// A source can appear in `spec` only once, since it can only be open
// once at a time.
func Build(ctx context.Context, spec ...interface{}) (*Substitution, error) {
	if len(spec) == 0 {
		return nil, errors.New("empty command")
	}

	s := &Substitution{
		argv: make([]string, 0, len(spec)),
	}
	for i, item := range spec {
		switch v := item.(type) {
		case string:
			s.argv = append(s.argv, v)
		case stage.Source:
			ref, err := v.Open(ctx)
			if err != nil {
				s.unwind()
				return nil, fmt.Errorf("argument %d (%s): %w", i, v.Name(), err)
			}
			s.opened = append(s.opened, v)
			s.paths = append(s.paths, ref.Path())
			s.argv = append(s.argv, ref.Path())
		default:
			s.unwind()
			return nil, fmt.Errorf("argument %d: unsupported type %T", i, item)
		}
	}

	zap.L().Named("subst").Debug("built command", zap.Strings("argv", s.argv))
	return s, nil
}

// unwind closes the sources opened so far, most recent first.
func (s *Substitution) unwind() {
	for i := len(s.opened) - 1; i >= 0; i-- {
		_ = s.opened[i].Close()
	}
	s.opened = nil
	s.paths = nil
}

// Argv returns the argument vector, with every stage replaced by the
// path of its pipe.
func (s *Substitution) Argv() []string {
	return append([]string(nil), s.argv...)
}

// Paths returns the pipe paths that were substituted into the argument
// vector.
func (s *Substitution) Paths() []string {
	return append([]string(nil), s.paths...)
}

// Command returns a command that runs the argument vector. The
// executable is looked up the same way that stages look up theirs.
func (s *Substitution) Command(ctx context.Context) (*exec.Cmd, error) {
	bin, err := stage.LookPath(s.argv[0])
	if err != nil {
		return nil, fmt.Errorf("could not find %q executable: %w", s.argv[0], err)
	}
	return exec.CommandContext(ctx, bin, s.argv[1:]...), nil
}

// Cleanup closes all of the substituted stages, concurrently, and
// removes their pipes. Stages that were never read from are aborted.
// It returns the first failure of a stage that did run. Calling it
// more than once is harmless.
func (s *Substitution) Cleanup() error {
	s.cleanupOnce.Do(func() {
		var eg errgroup.Group
		for _, src := range s.opened {
			src := src
			eg.Go(func() error {
				if err := src.Close(); err != nil {
					return fmt.Errorf("%s: %w", src.Name(), err)
				}
				return nil
			})
		}
		s.cleanupErr = eg.Wait()
	})
	return s.cleanupErr
}

// Stage is a `stage.Source` whose output is the standard output of a
// command built with `Build()`. The substitution is rebuilt every time
// the stage is streamed or opened, and cleaned up after the command
// exits.
type Stage struct {
	stage.Opener

	spec []interface{}
}

// NewStage returns a stage that runs the command described by `spec`.
func NewStage(spec ...interface{}) *Stage {
	return &Stage{spec: spec}
}

// Name returns the command name, if it was given as a string.
func (s *Stage) Name() string {
	if len(s.spec) > 0 {
		if name, ok := s.spec[0].(string); ok {
			return name
		}
	}
	return "substitution"
}

func (s *Stage) Stream(ctx context.Context) (io.ReadCloser, error) {
	sub, err := Build(ctx, s.spec...)
	if err != nil {
		return nil, err
	}

	bin, err := stage.LookPath(sub.argv[0])
	if err != nil {
		_ = sub.Cleanup()
		return nil, fmt.Errorf("could not find %q executable: %w", sub.argv[0], err)
	}

	return stage.StartPipeline(
		ctx, sub.Cleanup,
		pipe.CommandStage(s.Name(), exec.Command(bin, sub.argv[1:]...)),
	)
}

func (s *Stage) Open(ctx context.Context) (*fileref.Ref, error) {
	return s.Materialize(ctx, s)
}

// Run runs the command described by `spec`, copying its standard
// output to `stdout`, and cleans up afterwards.
func Run(ctx context.Context, stdout io.Writer, spec ...interface{}) error {
	r, err := NewStage(spec...).Stream(ctx)
	if err != nil {
		return err
	}

	_, err = io.Copy(stdout, r)
	if cErr := r.Close(); cErr != nil {
		return cErr
	}
	return err
}
