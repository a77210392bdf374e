// Package archive combines object files into a static archive with the
// platform archiver.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cbuild-dev/cbuild/internal/runner"
	"github.com/cbuild-dev/cbuild/internal/toolchain"
)

// ErrArchive reports a non-zero archiver exit.
var ErrArchive = errors.New("archiver failed")

// Executor runs one external process; satisfied by *runner.Runner.
type Executor interface {
	Run(ctx context.Context, cmd runner.Cmd, sink runner.LineSink) (*runner.Result, error)
}

// Assembler invokes the archiver resolved in a toolchain identity.
type Assembler struct {
	exec   Executor
	logger *slog.Logger
}

// New creates an Assembler.
func New(exec Executor, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Assembler{exec: exec, logger: logger}
}

// Assemble writes the archive at dest containing exactly objects, in the
// given order. Any archive already at dest is replaced, not appended to.
func (a *Assembler) Assemble(ctx context.Context, id *toolchain.Identity, objects []string, dest string, sink runner.LineSink) error {
	if len(objects) == 0 {
		return fmt.Errorf("%w: no objects to archive", ErrArchive)
	}

	var args []string
	if id.Family == toolchain.FamilyMSVC {
		args = append(args, "-nologo", "-out:"+dest)
		args = append(args, objects...)
	} else {
		// ar appends to an existing archive; stale members from a
		// previous run must not survive.
		if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale archive %s: %w", dest, err)
		}

		args = append(args, "crs", dest)
		args = append(args, objects...)
	}

	a.logger.Debug("archiving", "archiver", id.Archiver, "dest", dest, "members", len(objects))

	res, err := a.exec.Run(ctx, runner.Cmd{Path: id.Archiver, Args: args}, sink)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchive, err)
	}

	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s exited with code %d\n%s", ErrArchive, id.Archiver, res.ExitCode, res.Output)
	}

	return nil
}
