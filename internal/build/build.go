// Package build is the library entry point: a Build accumulates the
// configuration for one static-archive compilation and Compile drives the
// pipeline of locating the toolchain, probing candidate flags, compiling
// every unit concurrently and assembling the archive.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/cbuild-dev/cbuild/internal/archive"
	"github.com/cbuild-dev/cbuild/internal/envvar"
	"github.com/cbuild-dev/cbuild/internal/probe"
	"github.com/cbuild-dev/cbuild/internal/runner"
	"github.com/cbuild-dev/cbuild/internal/scheduler"
	"github.com/cbuild-dev/cbuild/internal/toolchain"
)

// ErrConfiguration reports invalid or missing required input, detected
// before any process is spawned.
var ErrConfiguration = errors.New("invalid build configuration")

// Define is one preprocessor definition; an empty Value renders as -DKEY.
type Define struct {
	Key   string
	Value string
}

// Build accumulates the inputs for one archive build. It is owned by the
// caller until Compile is invoked, at which point it must be treated as
// frozen: no mutation while a build operation is running.
type Build struct {
	files    []string
	includes []string
	defines  []Define
	flags    []string
	tryFlags [][]string
	objects  []string
	cpp      bool

	compiler string
	archiver string
	target   string
	host     string
	outDir   string
	optLevel string
	jobs     int

	lookupEnv envvar.LookupFunc
	discovery toolchain.Discovery
	lookPath  func(name string) (string, error)
	sink      runner.LineSink
	logger    *slog.Logger
}

// New creates an empty Build.
func New() *Build {
	return &Build{
		outDir:    ".",
		lookupEnv: os.LookupEnv,
	}
}

// File adds one source file to compile.
func (b *Build) File(path string) *Build {
	b.files = append(b.files, path)
	return b
}

// Files adds several source files.
func (b *Build) Files(paths ...string) *Build {
	b.files = append(b.files, paths...)
	return b
}

// Include adds a header search directory.
func (b *Build) Include(dir string) *Build {
	b.includes = append(b.includes, dir)
	return b
}

// Define adds a preprocessor definition; pass an empty value for -DKEY.
func (b *Build) Define(key, value string) *Build {
	b.defines = append(b.defines, Define{Key: key, Value: value})
	return b
}

// Flag adds a flag passed to every compile unconditionally.
func (b *Build) Flag(flag string) *Build {
	b.flags = append(b.flags, flag)
	return b
}

// TryFlag adds a candidate flag kept only if the compiler accepts it.
func (b *Build) TryFlag(flag string) *Build {
	b.tryFlags = append(b.tryFlags, []string{flag})
	return b
}

// TryFlagGroup adds an ordered fallback group of candidate flags; only the
// first accepted member is kept.
func (b *Build) TryFlagGroup(flags ...string) *Build {
	if len(flags) > 0 {
		b.tryFlags = append(b.tryFlags, flags)
	}
	return b
}

// Object appends a pre-built object file to the final archive.
func (b *Build) Object(path string) *Build {
	b.objects = append(b.objects, path)
	return b
}

// Cpp switches the build to C++ mode: CXX/CXXFLAGS selection, C++ trial
// units and a C++ standard library link directive.
func (b *Build) Cpp(cpp bool) *Build {
	b.cpp = cpp
	return b
}

// Compiler overrides compiler resolution with an explicit executable.
func (b *Build) Compiler(path string) *Build {
	b.compiler = path
	return b
}

// Archiver overrides archiver resolution with an explicit executable.
func (b *Build) Archiver(path string) *Build {
	b.archiver = path
	return b
}

// Target sets the target triple. Required.
func (b *Build) Target(triple string) *Build {
	b.target = triple
	return b
}

// Host sets the host triple. Required.
func (b *Build) Host(triple string) *Build {
	b.host = triple
	return b
}

// OutDir sets the directory for objects and the archive.
func (b *Build) OutDir(dir string) *Build {
	b.outDir = dir
	return b
}

// OptLevel sets the optimization level (as supplied by the host build
// process: 0, 1, 2, 3, s, z).
func (b *Build) OptLevel(level string) *Build {
	b.optLevel = level
	return b
}

// Jobs bounds compile parallelism; zero means the host CPU count.
func (b *Build) Jobs(n int) *Build {
	b.jobs = n
	return b
}

// Logger sets the structured logger; nil means slog.Default().
func (b *Build) Logger(logger *slog.Logger) *Build {
	b.logger = logger
	return b
}

// Diagnostics registers a sink receiving raw tool output line by line.
func (b *Build) Diagnostics(sink runner.LineSink) *Build {
	b.sink = sink
	return b
}

// EnvLookup replaces the environment source. Intended for tests.
func (b *Build) EnvLookup(lookup envvar.LookupFunc) *Build {
	b.lookupEnv = lookup
	return b
}

// Discovery replaces MSVC toolset discovery. Intended for tests.
func (b *Build) Discovery(d toolchain.Discovery) *Build {
	b.discovery = d
	return b
}

// LookPath replaces executable lookup. Intended for tests.
func (b *Build) LookPath(fn func(name string) (string, error)) *Build {
	b.lookPath = fn
	return b
}

// Artifact is the result of a successful Compile.
type Artifact struct {
	// Path of the produced archive.
	Path string
	// Objects are the archive members, in input order.
	Objects []string
	// LinkPaths are library search directories the final link needs.
	LinkPaths []string
	// LinkLibs are static libraries the final link needs.
	LinkLibs []string
	// CppStdlib names the C++ runtime to link, empty for C builds.
	CppStdlib string
	// Consulted lists every environment variable examined, for
	// revalidation declarations.
	Consulted []string
}

// Compile builds libNAME.a (NAME.lib under MSVC) in the output directory
// from the accumulated configuration. The Build must not be mutated while
// Compile runs.
func (b *Build) Compile(ctx context.Context, name string) (*Artifact, error) {
	if err := b.validate(name); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	jobs := b.jobs
	if jobs < 1 {
		jobs = runtime.NumCPU()
	}

	if err := os.MkdirAll(b.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	env := envvar.NewWithLookup(b.target, b.host, b.target == b.host, b.lookupEnv)

	id, err := toolchain.Locate(toolchain.Options{
		Target:           b.target,
		Host:             b.host,
		Cpp:              b.cpp,
		OptLevel:         b.optLevel,
		CompilerOverride: b.compiler,
		ArchiverOverride: b.archiver,
		Env:              env,
		Discovery:        b.discovery,
		LookPath:         b.lookPath,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("toolchain located",
		"family", id.Family.String(),
		"compiler", id.Compiler,
		"archiver", id.Archiver,
	)

	run := runner.New(logger)

	flags, err := b.effectiveFlags(ctx, id, run, jobs, logger)
	if err != nil {
		return nil, err
	}

	units, err := b.units(id, flags)
	if err != nil {
		return nil, err
	}

	pool := scheduler.NewPool(run, jobs, logger)
	if _, err := pool.Compile(ctx, id.Compiler, units, b.sink); err != nil {
		return nil, err
	}

	objects := make([]string, 0, len(units)+len(b.objects))
	for _, u := range units {
		objects = append(objects, u.Object)
	}
	objects = append(objects, b.objects...)

	dest := filepath.Join(b.outDir, id.ArchiveName(name))
	if err := archive.New(run, logger).Assemble(ctx, id, objects, dest, b.sink); err != nil {
		return nil, err
	}

	logger.Info("archive written", "path", dest, "members", len(objects))

	return &Artifact{
		Path:      dest,
		Objects:   objects,
		LinkPaths: append([]string{b.outDir}, id.LibDirs...),
		LinkLibs:  []string{name},
		CppStdlib: id.CppStdlib,
		Consulted: env.Consulted(),
	}, nil
}

func (b *Build) validate(name string) error {
	if name == "" || filepath.Base(name) != name {
		return fmt.Errorf("%w: invalid library name %q", ErrConfiguration, name)
	}

	if len(b.files) == 0 {
		return fmt.Errorf("%w: no source files", ErrConfiguration)
	}

	if b.target == "" || !strings.Contains(b.target, "-") {
		return fmt.Errorf("%w: malformed target triple %q", ErrConfiguration, b.target)
	}

	if b.host == "" || !strings.Contains(b.host, "-") {
		return fmt.Errorf("%w: malformed host triple %q", ErrConfiguration, b.host)
	}

	for _, f := range b.files {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("%w: source file %s: %v", ErrConfiguration, f, err)
		}
	}

	return nil
}

// effectiveFlags renders the complete per-unit flag set: baseline, include
// and define arguments, explicit flags, then the probed candidates that
// survived.
func (b *Build) effectiveFlags(ctx context.Context, id *toolchain.Identity, run *runner.Runner, jobs int, logger *slog.Logger) ([]string, error) {
	flags := append([]string{}, id.BaselineFlags...)

	for _, dir := range id.IncludeDirs {
		flags = append(flags, "-I"+dir)
	}

	for _, dir := range b.includes {
		flags = append(flags, "-I"+dir)
	}

	for _, d := range b.defines {
		if d.Value == "" {
			flags = append(flags, "-D"+d.Key)
		} else {
			flags = append(flags, "-D"+d.Key+"="+d.Value)
		}
	}

	flags = append(flags, b.flags...)

	if len(b.tryFlags) == 0 {
		return flags, nil
	}

	prober := probe.New(id, probe.NewCache(), run, b.outDir, b.cpp, jobs, logger)
	accepted, err := prober.Apply(ctx, b.tryFlags)
	if err != nil {
		return nil, err
	}

	return append(flags, accepted...), nil
}

// units binds every source file to its object path and argument vector.
// Object stems are disambiguated by input position when basenames repeat,
// so the mapping is stable across runs.
func (b *Build) units(id *toolchain.Identity, flags []string) ([]scheduler.Unit, error) {
	stems := make(map[string]int, len(b.files))
	for _, f := range b.files {
		stems[stem(f)]++
	}

	units := make([]scheduler.Unit, 0, len(b.files))
	for i, f := range b.files {
		s := stem(f)
		if stems[s] > 1 {
			s = s + "_" + strconv.Itoa(i)
		}

		obj := filepath.Join(b.outDir, s+id.ObjectExt())

		args := append([]string{}, flags...)
		args = append(args, "-c")
		if id.Family == toolchain.FamilyMSVC {
			args = append(args, "-Fo"+obj, f)
		} else {
			args = append(args, "-o", obj, f)
		}

		units = append(units, scheduler.Unit{Source: f, Object: obj, Args: args})
	}

	return units, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
