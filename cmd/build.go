package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cbuild-dev/cbuild/internal/build"
	"github.com/cbuild-dev/cbuild/internal/config"
)

var buildCmd = &cobra.Command{
	Use:   "build <name> <source>...",
	Short: "Compile sources into a static archive",
	Long: `Compile the given C, C++ or assembly sources and assemble them into
libNAME.a (NAME.lib under MSVC) in the output directory. Build directives
for the calling build system are printed to stdout.`,
	Args:         cobra.MinimumNArgs(2),
	RunE:         runBuild,
	SilenceUsage: true,
}

func init() {
	f := buildCmd.Flags()
	f.StringP("target", "t", "", "Target triple (e.g. x86_64-unknown-linux-gnu)")
	f.String("host", "", "Host triple; defaults to the target")
	f.StringP("out-dir", "o", ".", "Directory for objects and the archive")
	f.StringP("opt-level", "O", "2", "Optimization level (0, 1, 2, 3, s, z)")
	f.IntP("jobs", "j", 0, "Maximum parallel compiles; 0 uses all CPUs")
	f.Bool("cpp", false, "Compile as C++")
	f.StringArrayP("include", "I", nil, "Header search directory")
	f.StringArrayP("define", "D", nil, "Preprocessor definition (KEY or KEY=VALUE)")
	f.StringArray("flag", nil, "Flag passed to every compile")
	f.StringArray("try-flag", nil, "Flag kept only if the compiler accepts it")
	f.StringArray("object", nil, "Pre-built object file appended to the archive")
	f.String("compiler", "", "Compiler executable override")
	f.String("archiver", "", "Archiver executable override")
	f.BoolP("verbose", "v", false, "Debug logging")
}

func runBuild(cmd *cobra.Command, args []string) error {
	name := args[0]
	sources := args[1:]

	cfg, err := config.NewLoader().LoadForBuild(cmd, sources)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: level,
	}))

	f := cmd.Flags()
	cpp, _ := f.GetBool("cpp")

	b := build.New().
		Files(sources...).
		Target(cfg.Target).
		Host(cfg.Host).
		OutDir(cfg.OutDir).
		OptLevel(cfg.OptLevel).
		Jobs(cfg.Jobs).
		Cpp(cpp).
		Logger(logger).
		Diagnostics(func(line string) {
			fmt.Fprintln(cmd.ErrOrStderr(), line)
		})

	includes, _ := f.GetStringArray("include")
	for _, dir := range includes {
		b.Include(dir)
	}

	defines, _ := f.GetStringArray("define")
	for _, d := range defines {
		key, value, _ := strings.Cut(d, "=")
		b.Define(key, value)
	}

	flags, _ := f.GetStringArray("flag")
	for _, flag := range flags {
		b.Flag(flag)
	}

	tryFlags, _ := f.GetStringArray("try-flag")
	for _, flag := range tryFlags {
		b.TryFlag(flag)
	}

	objects, _ := f.GetStringArray("object")
	for _, obj := range objects {
		b.Object(obj)
	}

	if cfg.Compiler != "" {
		b.Compiler(cfg.Compiler)
	}

	if cfg.Archiver != "" {
		b.Archiver(cfg.Archiver)
	}

	artifact, err := b.Compile(cmd.Context(), name)
	if err != nil {
		return err
	}

	emitDirectives(cmd, artifact)

	return nil
}

// emitDirectives prints the machine-readable result lines consumed by the
// calling build system.
func emitDirectives(cmd *cobra.Command, artifact *build.Artifact) {
	out := cmd.OutOrStdout()

	for _, key := range artifact.Consulted {
		fmt.Fprintf(out, "cbuild:rerun-if-env-changed=%s\n", key)
	}

	for _, path := range artifact.LinkPaths {
		fmt.Fprintf(out, "cbuild:link-search=%s\n", path)
	}

	for _, lib := range artifact.LinkLibs {
		fmt.Fprintf(out, "cbuild:link-lib=static=%s\n", lib)
	}

	if artifact.CppStdlib != "" {
		fmt.Fprintf(out, "cbuild:cpp-stdlib=%s\n", artifact.CppStdlib)
	}
}
