// Package scheduler compiles translation units into object files under a
// bounded worker pool. Units are independent; the aggregate result is
// deterministic with respect to the caller's unit order, never completion
// order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/cbuild-dev/cbuild/internal/runner"
)

// ErrCompile reports that at least one unit's compiler invocation failed.
var ErrCompile = errors.New("compilation failed")

// Unit binds one source file to its object output and full argument vector.
type Unit struct {
	Source string
	Object string
	Args   []string
}

// Outcome is the per-unit result, including captured diagnostics.
type Outcome struct {
	Unit     Unit
	Ran      bool
	ExitCode int
	Output   string
	Err      error // spawn or plumbing failure, nil otherwise
}

func (o *Outcome) failed() bool {
	return o.Ran && (o.Err != nil || o.ExitCode != 0)
}

// BuildError aggregates every unit's diagnostics around the first failure.
type BuildError struct {
	// Primary is the first failed unit in dispatch order.
	Primary Outcome
	// Outcomes holds the results of all units that ran.
	Outcomes []Outcome
}

func (e *BuildError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compiling %s", e.Primary.Unit.Source)

	if e.Primary.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Primary.Err)
	} else {
		fmt.Fprintf(&b, ": compiler exited with code %d", e.Primary.ExitCode)
	}

	for _, o := range e.Outcomes {
		if o.failed() && o.Output != "" {
			fmt.Fprintf(&b, "\n--- %s ---\n%s", o.Unit.Source, o.Output)
		}
	}

	return b.String()
}

func (e *BuildError) Unwrap() error { return ErrCompile }

// Executor runs one external process; satisfied by *runner.Runner.
type Executor interface {
	Run(ctx context.Context, cmd runner.Cmd, sink runner.LineSink) (*runner.Result, error)
}

// Pool is a bounded compilation worker pool.
type Pool struct {
	exec   Executor
	jobs   int
	logger *slog.Logger
}

// NewPool creates a pool running at most jobs compiles concurrently.
func NewPool(exec Executor, jobs int, logger *slog.Logger) *Pool {
	if jobs < 1 {
		jobs = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{exec: exec, jobs: jobs, logger: logger}
}

// Compile runs every unit through compiler. On the first failure no further
// units are dispatched, but in-flight compiles finish so no external process
// is orphaned mid-write. The returned outcomes are indexed like units; on
// failure the error is a *BuildError carrying all diagnostics.
func (p *Pool) Compile(ctx context.Context, compiler string, units []Unit, sink runner.LineSink) ([]Outcome, error) {
	outcomes := make([]Outcome, len(units))
	for i := range units {
		outcomes[i].Unit = units[i]
	}

	var failed atomic.Bool

	g := new(errgroup.Group)
	g.SetLimit(p.jobs)

	for i := range units {
		if failed.Load() || ctx.Err() != nil {
			break
		}

		i := i
		g.Go(func() error {
			u := units[i]
			p.logger.Debug("compiling", "source", u.Source, "object", u.Object)

			res, err := p.exec.Run(ctx, runner.Cmd{Path: compiler, Args: u.Args}, sink)

			outcomes[i].Ran = true
			if err != nil {
				outcomes[i].Err = err
				failed.Store(true)
				return nil
			}

			outcomes[i].ExitCode = res.ExitCode
			outcomes[i].Output = res.Output
			if res.ExitCode != 0 {
				failed.Store(true)
			}

			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil && !failed.Load() {
		return outcomes, err
	}

	for i := range outcomes {
		if outcomes[i].failed() {
			ran := make([]Outcome, 0, len(outcomes))
			for _, o := range outcomes {
				if o.Ran {
					ran = append(ran, o)
				}
			}

			return outcomes, &BuildError{Primary: outcomes[i], Outcomes: ran}
		}
	}

	return outcomes, nil
}
