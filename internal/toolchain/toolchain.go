// Package toolchain resolves which compiler and archiver serve a given
// host/target/language combination, and the baseline flags that always apply.
package toolchain

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/cbuild-dev/cbuild/internal/envvar"
)

// ErrNotFound reports that no usable compiler or archiver could be resolved.
var ErrNotFound = errors.New("no usable toolchain")

// Family is the class of compiler/archiver behaviour a target maps to.
type Family int

const (
	FamilyGNU Family = iota // unix-like gcc/clang
	FamilyMSVC
	FamilyMinGW
	FamilyWasm
)

func (f Family) String() string {
	switch f {
	case FamilyGNU:
		return "gnu"
	case FamilyMSVC:
		return "msvc"
	case FamilyMinGW:
		return "mingw"
	case FamilyWasm:
		return "wasm"
	default:
		return "unknown"
	}
}

// FamilyFor classifies a target triple.
func FamilyFor(target string) Family {
	switch {
	case strings.Contains(target, "msvc"):
		return FamilyMSVC
	case strings.HasPrefix(target, "wasm32-") || strings.HasPrefix(target, "wasm64-"):
		return FamilyWasm
	case strings.Contains(target, "windows-gnu") || strings.Contains(target, "mingw"):
		return FamilyMinGW
	default:
		return FamilyGNU
	}
}

// Identity is the resolved toolchain for one build operation. It is produced
// once, never mutated afterwards, and shared read-only by every worker.
type Identity struct {
	Family        Family
	Compiler      string
	Archiver      string
	Linker        string // MSVC only, informational
	BaselineFlags []string
	IncludeDirs   []string // extra system include roots (MSVC SDKs)
	LibDirs       []string // extra library search roots (MSVC SDKs)
	CppStdlib     string   // C++ runtime to link, empty for C builds
	Fingerprint   string   // probe-cache key component
}

// ObjectExt returns the object file extension for this toolchain.
func (id *Identity) ObjectExt() string {
	if id.Family == FamilyMSVC {
		return ".obj"
	}

	return ".o"
}

// ArchiveName renders the platform archive file name for a library name.
func (id *Identity) ArchiveName(name string) string {
	if id.Family == FamilyMSVC {
		return name + ".lib"
	}

	return "lib" + name + ".a"
}

// Options configures toolchain resolution.
type Options struct {
	Target   string
	Host     string
	Cpp      bool
	OptLevel string

	// Explicit overrides skip variable resolution and, for MSVC, discovery.
	CompilerOverride string
	ArchiverOverride string

	Env       *envvar.Resolver
	Discovery Discovery // nil selects the system discovery chain

	// LookPath locates an executable; nil means exec.LookPath.
	LookPath func(name string) (string, error)

	Logger *slog.Logger
}

// Locate resolves the toolchain identity for the given options. It fails
// with ErrNotFound when no candidate executable exists, before any
// compilation is attempted.
func Locate(opts Options) (*Identity, error) {
	if opts.Env == nil {
		opts.Env = envvar.New(opts.Target, opts.Host, opts.Target == opts.Host)
	}

	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	family := FamilyFor(opts.Target)
	opts.Logger.Debug("locating toolchain", "target", opts.Target, "family", family.String())

	if family == FamilyMSVC {
		return locateMSVC(opts)
	}

	return locateUnix(family, opts)
}

func locateUnix(family Family, opts Options) (*Identity, error) {
	varBase, flagsVar := "CC", "CFLAGS"
	if opts.Cpp {
		varBase, flagsVar = "CXX", "CXXFLAGS"
	}

	name := opts.CompilerOverride
	if name == "" {
		name, _ = opts.Env.Get(varBase)
	}
	if name == "" {
		name = defaultCompiler(family, opts)
	}

	// A value like "ccache gcc" names a wrapper: the first token is the
	// executable, the rest become leading flags.
	tokens, err := shellquote.Split(name)
	if err != nil || len(tokens) == 0 {
		return nil, fmt.Errorf("%w: unparseable %s value %q", ErrNotFound, varBase, name)
	}

	compiler, err := opts.LookPath(tokens[0])
	if err != nil {
		return nil, fmt.Errorf("%w: compiler %q not found for target %s", ErrNotFound, tokens[0], opts.Target)
	}

	userFlags, err := opts.Env.GetFlags(flagsVar)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", flagsVar, err)
	}

	baseline := familyFlags(family, opts)
	baseline = append(baseline, tokens[1:]...)
	baseline = append(baseline, userFlags...)

	archiver, err := locateArchiver(family, opts)
	if err != nil {
		return nil, err
	}

	id := &Identity{
		Family:        family,
		Compiler:      compiler,
		Archiver:      archiver,
		BaselineFlags: baseline,
		Fingerprint:   family.String() + ":" + compiler,
	}

	if opts.Cpp {
		id.CppStdlib = cppStdlib(family, opts)
	}

	return id, nil
}

func defaultCompiler(family Family, opts Options) string {
	cross := opts.Target != opts.Host

	switch family {
	case FamilyWasm:
		if opts.Cpp {
			return "clang++"
		}
		return "clang"
	case FamilyMinGW:
		name := "gcc"
		if opts.Cpp {
			name = "g++"
		}
		if cross {
			return opts.Target + "-" + name
		}
		return name
	default:
		if cross {
			if opts.Cpp {
				return opts.Target + "-g++"
			}
			return opts.Target + "-gcc"
		}
		if opts.Cpp {
			return "c++"
		}
		return "cc"
	}
}

func familyFlags(family Family, opts Options) []string {
	var flags []string

	if opts.OptLevel != "" {
		flags = append(flags, "-O"+opts.OptLevel)
	}

	flags = append(flags, "-ffunction-sections", "-fdata-sections")

	arch := tripleArch(opts.Target)

	switch family {
	case FamilyWasm:
		flags = append(flags, "--target="+opts.Target)
		if sysroot, ok := opts.Env.Get("WASI_SYSROOT"); ok {
			flags = append(flags, "--sysroot="+sysroot)
		}
	case FamilyMinGW:
		flags = append(flags, "-mwin32")
	default:
		switch arch {
		case "i686", "i586", "i486", "i386":
			flags = append(flags, "-m32")
		case "x86_64":
			flags = append(flags, "-m64")
		}

		// 32-bit x86 stays non-PIC.
		if !strings.HasPrefix(arch, "i") {
			flags = append(flags, "-fPIC")
		}
	}

	return flags
}

func locateArchiver(family Family, opts Options) (string, error) {
	name := opts.ArchiverOverride
	if name == "" {
		name, _ = opts.Env.Get("AR")
	}
	if name == "" {
		switch {
		case family == FamilyWasm:
			name = "llvm-ar"
		case opts.Target != opts.Host:
			name = opts.Target + "-ar"
		default:
			name = "ar"
		}
	}

	path, err := opts.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: archiver %q not found for target %s", ErrNotFound, name, opts.Target)
	}

	return path, nil
}

func cppStdlib(family Family, opts Options) string {
	if v, ok := opts.Env.Get("CXXSTDLIB"); ok {
		return v
	}

	if family == FamilyWasm {
		return "c++"
	}

	switch {
	case strings.Contains(opts.Target, "apple"),
		strings.Contains(opts.Target, "darwin"),
		strings.Contains(opts.Target, "freebsd"),
		strings.Contains(opts.Target, "openbsd"):
		return "c++"
	default:
		return "stdc++"
	}
}

// tripleArch returns the architecture segment of a target triple.
func tripleArch(target string) string {
	if i := strings.IndexByte(target, '-'); i > 0 {
		return target[:i]
	}

	return target
}
