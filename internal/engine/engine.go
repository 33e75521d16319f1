// Package engine runs the create, extract and list commands on top of the
// archive package.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/islishude/goarchive/archive"
	"github.com/islishude/goarchive/internal/cli"
	"github.com/islishude/goarchive/internal/locator"
	s3store "github.com/islishude/goarchive/internal/storage/s3"
)

const (
	ExitSuccess = 0
	ExitWarning = 1
	ExitFatal   = 2
)

type Runner struct {
	log    *zap.Logger
	s3     *s3store.Store
	stdout io.Writer
	stderr io.Writer
}

type RunResult struct {
	ExitCode int
	Warnings int
	Err      error
}

func New(log *zap.Logger, stdout, stderr io.Writer) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{log: log, stdout: stdout, stderr: stderr}
}

func (r *Runner) Run(ctx context.Context, opts cli.Options) RunResult {
	var (
		warnings int
		err      error
	)
	switch opts.Mode {
	case cli.ModeCreate:
		warnings, err = r.runCreate(ctx, opts)
	case cli.ModeExtract:
		warnings, err = r.runExtract(ctx, opts)
	case cli.ModeList:
		warnings, err = r.runList(ctx, opts)
	default:
		err = fmt.Errorf("unsupported mode %q", opts.Mode)
	}
	return classifyResult(err, warnings)
}

func classifyResult(err error, warnings int) RunResult {
	if err != nil {
		return RunResult{ExitCode: ExitFatal, Warnings: warnings, Err: err}
	}
	if warnings > 0 {
		return RunResult{ExitCode: ExitWarning, Warnings: warnings}
	}
	return RunResult{ExitCode: ExitSuccess}
}

// sessionOptions returns the options shared by every session of a run. The
// S3 store is only built when one of refs points at S3.
func (r *Runner) sessionOptions(ctx context.Context, opts cli.Options, refs ...string) ([]archive.Option, error) {
	out := []archive.Option{archive.WithLogger(r.log), archive.WithBlockSize(opts.BlockSize)}
	if opts.Level != nil {
		out = append(out, archive.WithLevel(*opts.Level))
	}
	for _, raw := range refs {
		ref, err := locator.Parse(raw)
		if err != nil || ref.Kind != locator.KindS3 {
			continue
		}
		st, err := r.objectStore(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, archive.WithS3(st))
		break
	}
	return out, nil
}

func (r *Runner) objectStore(ctx context.Context) (*s3store.Store, error) {
	if r.s3 != nil {
		return r.s3, nil
	}
	st, err := s3store.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init s3: %w", err)
	}
	r.s3 = st
	return st, nil
}

// warn reports a non-fatal problem on stderr.
func (r *Runner) warn(name string, err error) {
	if name != "" {
		_, _ = fmt.Fprintf(r.stderr, "goarchive: %s: %v\n", name, err)
	} else {
		_, _ = fmt.Fprintf(r.stderr, "goarchive: %v\n", err)
	}
}

func shouldSkipMember(opts cli.Options, name string) bool {
	if len(opts.Members) == 0 {
		return false
	}
	name = strings.TrimSuffix(name, "/")
	for _, m := range opts.Members {
		m = strings.TrimSuffix(m, "/")
		if opts.Wildcards {
			if doublestar.MatchUnvalidated(m, name) {
				return false
			}
			continue
		}
		if m == name || strings.HasPrefix(name, m+"/") {
			return false
		}
	}
	return true
}

func loadExcludePatterns(inline []string, files []string) ([]string, error) {
	out := make([]string, 0, len(inline))
	for _, p := range inline {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, doublestar.ErrBadPattern)
		}
		out = append(out, p)
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		lineNo := 0
		for line := range strings.SplitSeq(string(b), "\n") {
			lineNo++
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if !doublestar.ValidatePattern(line) {
				return nil, fmt.Errorf("%s:%d: invalid exclude pattern %q: %w", f, lineNo, line, doublestar.ErrBadPattern)
			}
			out = append(out, line)
		}
	}
	return out, nil
}

// matchExclude reports whether name matches one of patterns. "**" crosses
// directories. Patterns without a slash are also tried against the base name.
func matchExclude(patterns []string, name string) bool {
	name = strings.TrimSuffix(name, "/")
	for _, p := range patterns {
		if doublestar.MatchUnvalidated(p, name) {
			return true
		}
		if !strings.Contains(p, "/") {
			if doublestar.MatchUnvalidated(p, path.Base(name)) {
				return true
			}
		}
	}
	return false
}
