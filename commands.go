package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/rprops/EMIRGE/counts"
	"github.com/rprops/EMIRGE/fastq"
	"github.com/rprops/EMIRGE/fileref"
	"github.com/rprops/EMIRGE/stage"
	"github.com/rprops/EMIRGE/subst"
)

// readCount is the JSON form of a counted or reindexed file.
type readCount struct {
	Path  string `json:"path"`
	Reads uint64 `json:"reads"`
}

func (e *env) writeJSON(v interface{}) error {
	j, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("could not convert %v to json: %w", v, err)
	}
	fmt.Fprintf(e.stdout, "%s\n", j)
	return nil
}

func parseSubcommand(flags *pflag.FlagSet, args []string) (bool, error) {
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *env) count(ctx context.Context, args []string) error {
	var jsonOutput bool

	flags := e.subcommandFlags("count")
	flags.BoolVar(&jsonOutput, "json", false, "output results in JSON format")
	if ok, err := parseSubcommand(flags, args); !ok {
		return err
	}

	paths := flags.Args()
	if len(paths) == 0 {
		return errors.New("count: no files specified")
	}

	results := make([]readCount, 0, len(paths))
	for _, path := range paths {
		n, err := fastq.CountReads(ctx, path, fastq.WithProgress(e.newProgress()))
		if err != nil {
			return err
		}
		results = append(results, readCount{Path: path, Reads: n.ToUint64()})
	}

	if jsonOutput {
		return e.writeJSON(results)
	}
	total := make([]counts.Count64, 0, len(results))
	for _, r := range results {
		fmt.Fprintf(e.stdout, "%s\t%d\n", r.Path, r.Reads)
		total = append(total, counts.NewCount64(r.Reads))
	}
	if len(results) > 1 {
		fmt.Fprintf(e.stdout, "total\t%d\n", counts.Sum(total...).ToUint64())
	}
	return nil
}

// codecInfo is the JSON form of a codec table row.
type codecInfo struct {
	Name       string   `json:"name"`
	Suffix     string   `json:"suffix"`
	Command    string   `json:"command,omitempty"`
	Compress   []string `json:"compress,omitempty"`
	Decompress []string `json:"decompress,omitempty"`
	InProcess  bool     `json:"in_process"`
}

func (e *env) codecs(args []string) error {
	var jsonOutput bool

	flags := e.subcommandFlags("codecs")
	flags.BoolVar(&jsonOutput, "json", false, "output results in JSON format")
	if ok, err := parseSubcommand(flags, args); !ok {
		return err
	}
	if flags.NArg() != 0 {
		return errors.New("codecs: unexpected arguments")
	}

	table := stage.Codecs()
	if jsonOutput {
		infos := make([]codecInfo, 0, len(table))
		for _, c := range table {
			infos = append(infos, codecInfo{
				Name:       c.Name,
				Suffix:     c.Suffix,
				Command:    c.Command,
				Compress:   c.CompressArgs,
				Decompress: c.DecompressArgs,
				InProcess:  c.InProcess(),
			})
		}
		return e.writeJSON(infos)
	}

	for _, c := range table {
		decompress := "(in-process)"
		if c.Command != "" {
			decompress = strings.TrimSpace(c.Command + " " + strings.Join(c.DecompressArgs, " "))
		}
		inProcess := "no"
		if c.InProcess() {
			inProcess = "yes"
		}
		fmt.Fprintf(e.stdout, "%s\t%s\t%s\t%s\n", c.Name, c.Suffix, decompress, inProcess)
	}
	return nil
}

func (e *env) reindex(ctx context.Context, args []string) error {
	var tmpDir, output string
	var force, jsonOutput bool

	flags := e.subcommandFlags("reindex")
	flags.StringVar(&tmpDir, "tmpdir", e.cfg.TempDir, "write the reindexed file under `dir`")
	flags.StringVarP(&output, "output", "o", "", "move the reindexed file to `path`")
	flags.BoolVarP(&force, "force", "f", false, "overwrite an existing output file")
	flags.BoolVar(&jsonOutput, "json", false, "output results in JSON format")
	if ok, err := parseSubcommand(flags, args); !ok {
		return err
	}

	if flags.NArg() != 1 {
		return errors.New("reindex: exactly one file must be specified")
	}
	path := flags.Arg(0)

	if output != "" {
		if _, err := fileref.ValidateOutput(output, force); err != nil {
			return err
		}
		// Rename only works within a filesystem.
		tmpDir = filepath.Dir(output)
	}

	reindexed, n, err := fastq.Reindex(
		ctx, path,
		fastq.WithTempDir(tmpDir), fastq.WithProgress(e.newProgress()),
	)
	if err != nil {
		return err
	}

	if output != "" {
		if err := os.Rename(reindexed, output); err != nil {
			_ = os.Remove(reindexed)
			return fmt.Errorf("moving reindexed file to %s: %w", output, err)
		}
		reindexed = output
	}

	if e.progress {
		if fi, err := os.Stat(reindexed); err == nil {
			size, unit := counts.Human(uint64(fi.Size()), counts.BinaryPrefixes, "B")
			fmt.Fprintf(e.stderr, "Wrote %s reads (%s %s) to %s\n", n, size, unit, reindexed)
		}
	}

	if jsonOutput {
		return e.writeJSON(readCount{Path: reindexed, Reads: n.ToUint64()})
	}
	fmt.Fprintf(e.stdout, "%s\t%d\n", reindexed, n.ToUint64())
	return nil
}

// inputSource returns a source that yields the decompressed and,
// optionally, reindexed contents of the file at `path`.
func inputSource(path string, reindex bool) (stage.Source, error) {
	ref, err := fileref.ValidateInput(path)
	if err != nil {
		return nil, err
	}
	src := stage.Decompressed(ref)
	if reindex {
		src = fastq.NewEnumerator(src)
	}
	return src, nil
}

func (e *env) cat(ctx context.Context, args []string) error {
	var reindex bool

	flags := e.subcommandFlags("cat")
	flags.BoolVar(&reindex, "reindex", false, "replace read headers with their indices")
	if ok, err := parseSubcommand(flags, args); !ok {
		return err
	}

	if flags.NArg() == 0 {
		return errors.New("cat: no files specified")
	}

	for _, path := range flags.Args() {
		src, err := inputSource(path, reindex)
		if err != nil {
			return err
		}
		if err := copySource(ctx, e.stdout, src); err != nil {
			return err
		}
	}
	return nil
}

func copySource(ctx context.Context, w io.Writer, src stage.Source) error {
	r, err := src.Stream(ctx)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	if cErr := r.Close(); cErr != nil {
		return cErr
	}
	return err
}

// substitutionArg returns the path inside an argument of the form
// `<(PATH)`, if it has that form.
func substitutionArg(arg string) (string, bool) {
	if !strings.HasPrefix(arg, "<(") || !strings.HasSuffix(arg, ")") || len(arg) < 4 {
		return "", false
	}
	return arg[2 : len(arg)-1], true
}

func (e *env) run(ctx context.Context, args []string) error {
	var reindex bool

	flags := e.subcommandFlags("run")
	flags.BoolVar(&reindex, "reindex", false, "replace read headers with their indices")
	if ok, err := parseSubcommand(flags, args); !ok {
		return err
	}

	if flags.NArg() == 0 {
		return errors.New("run: no command specified")
	}

	spec := make([]interface{}, 0, flags.NArg())
	for i, arg := range flags.Args() {
		path, ok := substitutionArg(arg)
		if !ok || i == 0 {
			spec = append(spec, arg)
			continue
		}
		src, err := inputSource(path, reindex)
		if err != nil {
			return err
		}
		spec = append(spec, src)
	}

	zap.L().Named("cli").Debug("running", zap.Strings("args", flags.Args()))
	return subst.Run(ctx, e.stdout, spec...)
}
