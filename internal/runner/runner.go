// Package runner spawns external tool processes and relays their diagnostic
// output line by line while it is produced, so long compiles are never
// silent. Stream handles and the relay goroutine are released on every exit
// path; a failing relay can not leave a process unreaped or a reader blocked.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ErrSpawn reports that an executable could not be started at all.
var ErrSpawn = errors.New("failed to start process")

// LineSink receives each diagnostic line as it arrives. May be nil.
type LineSink func(line string)

// Cmd describes one external tool invocation.
type Cmd struct {
	Path string
	Args []string
	Dir  string
	Env  []string // nil means inherit
}

// Result is the outcome of a completed process.
type Result struct {
	ExitCode int
	Output   string // full relayed diagnostic text
	Duration time.Duration
}

// Runner executes commands. Safe for concurrent use.
type Runner struct {
	logger *slog.Logger
}

// New creates a Runner. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{logger: logger}
}

// Run spawns the command and waits for it, relaying stdout and stderr to
// sink as lines arrive. A non-zero exit is not an error here: the caller
// inspects Result.ExitCode. Run returns an error only when the process could
// not be started (wrapping ErrSpawn) or the relay plumbing failed.
//
// The context is consulted before the process starts; a running tool is
// never killed mid-write, since that risks leaving partial object files.
func (r *Runner) Run(ctx context.Context, cmd Cmd, sink LineSink) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env

	pr, pw := io.Pipe()
	c.Stdout = pw
	c.Stderr = pw

	var captured strings.Builder
	relayDone := make(chan struct{})

	go func() {
		defer close(relayDone)

		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			captured.WriteString(line)
			captured.WriteByte('\n')

			if sink != nil {
				sink(line)
			}
		}

		// Discard any trailing bytes after a scanner error so the
		// writing side never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()

	r.logger.Debug("running", "path", cmd.Path, "args", strings.Join(cmd.Args, " "))

	start := time.Now()
	if err := c.Start(); err != nil {
		pw.Close()
		<-relayDone
		pr.Close()

		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, cmd.Path, err)
	}

	waitErr := c.Wait()

	// Unblock and drain the relay before reading the captured text.
	pw.Close()
	<-relayDone
	pr.Close()

	res := &Result{
		Output:   captured.String(),
		Duration: time.Since(start),
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("waiting on %s: %w", cmd.Path, waitErr)
		}

		res.ExitCode = exitErr.ExitCode()
	}

	r.logger.Debug("finished", "path", cmd.Path, "exit_code", res.ExitCode, "duration", res.Duration)

	return res, nil
}
