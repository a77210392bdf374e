package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbuild-dev/cbuild/internal/scheduler"
)

const testTriple = "x86_64-unknown-linux-gnu"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeScript installs an executable shell script standing in for a tool.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))

	return path
}

// fakeCC produces a compiler script that logs its argument vector, rejects
// -bogus and creates whatever -o names.
func fakeCC(t *testing.T, dir, logFile string) string {
	t.Helper()

	body := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %s
out=
prev=
for a in "$@"; do
  [ "$a" = "-bogus" ] && exit 1
  [ "$prev" = "-o" ] && out=$a
  prev=$a
done
[ -n "$out" ] && : > "$out"
exit 0
`, logFile)

	return writeScript(t, dir, "cc", body)
}

func fakeAR(t *testing.T, dir string) string {
	t.Helper()

	body := `#!/bin/sh
[ "$1" = "crs" ] || exit 1
: > "$2"
exit 0
`

	return writeScript(t, dir, "ar", body)
}

func envWith(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeSource(t *testing.T, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("int x;\n"), 0o644))

	return path
}

func newTestBuild(t *testing.T) (*Build, string, string) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}

	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	logFile := filepath.Join(dir, "cc.log")

	cc := fakeCC(t, dir, logFile)
	ar := fakeAR(t, dir)

	b := New().
		Target(testTriple).
		Host(testTriple).
		OutDir(outDir).
		Logger(discardLogger()).
		EnvLookup(envWith(map[string]string{"CC": cc, "AR": ar}))

	return b, outDir, logFile
}

func loggedArgs(t *testing.T, logFile, source string) string {
	t.Helper()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)

	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, source) {
			return line
		}
	}

	t.Fatalf("no compile recorded for %s", source)
	return ""
}

func TestCompileSingleFile(t *testing.T) {
	b, outDir, _ := newTestBuild(t)
	src := writeSource(t, t.TempDir(), "hello.c")

	artifact, err := b.File(src).Compile(context.Background(), "demo")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "libdemo.a"), artifact.Path)
	assert.FileExists(t, artifact.Path)

	require.Len(t, artifact.Objects, 1)
	assert.Equal(t, filepath.Join(outDir, "hello.o"), artifact.Objects[0])
	assert.FileExists(t, artifact.Objects[0])

	assert.Equal(t, []string{"demo"}, artifact.LinkLibs)
	require.NotEmpty(t, artifact.LinkPaths)
	assert.Equal(t, outDir, artifact.LinkPaths[0])
	assert.Empty(t, artifact.CppStdlib)
	assert.Contains(t, artifact.Consulted, "CC")
}

func TestCompileObjectOrderIsInputOrder(t *testing.T) {
	srcDir := t.TempDir()
	sources := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		sources = append(sources, writeSource(t, srcDir, fmt.Sprintf("part%d.c", i)))
	}

	var orders [][]string
	for _, jobs := range []int{1, 4} {
		b, _, _ := newTestBuild(t)
		artifact, err := b.Files(sources...).Jobs(jobs).Compile(context.Background(), "ordered")
		require.NoError(t, err)
		orders = append(orders, artifact.Objects)
	}

	for i, obj := range orders[0] {
		assert.Equal(t, filepath.Base(obj), filepath.Base(orders[1][i]))
	}
	for i, src := range sources {
		want := strings.TrimSuffix(filepath.Base(src), ".c") + ".o"
		assert.Equal(t, want, filepath.Base(orders[0][i]))
	}
}

func TestCompileDuplicateStems(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	srcA := writeSource(t, dirA, "util.c")
	srcB := writeSource(t, dirB, "util.c")

	b, outDir, _ := newTestBuild(t)
	artifact, err := b.Files(srcA, srcB).Compile(context.Background(), "dup")
	require.NoError(t, err)

	require.Len(t, artifact.Objects, 2)
	assert.Equal(t, filepath.Join(outDir, "util_0.o"), artifact.Objects[0])
	assert.Equal(t, filepath.Join(outDir, "util_1.o"), artifact.Objects[1])
}

func TestCompileRendersIncludesDefinesAndFlags(t *testing.T) {
	b, _, logFile := newTestBuild(t)
	src := writeSource(t, t.TempDir(), "conf.c")

	_, err := b.File(src).
		Include("/usr/local/include/conf").
		Define("VERBOSE", "").
		Define("LEVEL", "3").
		Flag("-fno-strict-aliasing").
		Compile(context.Background(), "conf")
	require.NoError(t, err)

	args := loggedArgs(t, logFile, "conf.c")
	assert.Contains(t, args, "-I/usr/local/include/conf")
	assert.Contains(t, args, "-DVERBOSE")
	assert.Contains(t, args, "-DLEVEL=3")
	assert.Contains(t, args, "-fno-strict-aliasing")
	assert.Contains(t, args, "-ffunction-sections")
}

func TestCompileTryFlagFiltersRejected(t *testing.T) {
	b, _, logFile := newTestBuild(t)
	src := writeSource(t, t.TempDir(), "tuned.c")

	_, err := b.File(src).
		TryFlag("-bogus").
		TryFlag("-funroll-loops").
		Compile(context.Background(), "tuned")
	require.NoError(t, err)

	args := loggedArgs(t, logFile, "tuned.c")
	assert.NotContains(t, args, "-bogus")
	assert.Contains(t, args, "-funroll-loops")
}

func TestCompileTryFlagGroupKeepsFirstAccepted(t *testing.T) {
	b, _, logFile := newTestBuild(t)
	src := writeSource(t, t.TempDir(), "grp.c")

	_, err := b.File(src).
		TryFlagGroup("-bogus", "-fomit-frame-pointer", "-fno-omit-frame-pointer").
		Compile(context.Background(), "grp")
	require.NoError(t, err)

	args := loggedArgs(t, logFile, "grp.c")
	assert.Contains(t, args, "-fomit-frame-pointer")
	assert.NotContains(t, args, "-fno-omit-frame-pointer")
}

func TestCompileExtraObjects(t *testing.T) {
	b, _, _ := newTestBuild(t)
	src := writeSource(t, t.TempDir(), "main.c")

	extra := filepath.Join(t.TempDir(), "prebuilt.o")
	require.NoError(t, os.WriteFile(extra, []byte{0x7f}, 0o644))

	artifact, err := b.File(src).Object(extra).Compile(context.Background(), "mixed")
	require.NoError(t, err)

	require.Len(t, artifact.Objects, 2)
	assert.Equal(t, extra, artifact.Objects[1])
}

func TestCompileFailureSurfacesDiagnostics(t *testing.T) {
	b, _, _ := newTestBuild(t)
	src := writeSource(t, t.TempDir(), "broken.c")

	_, err := b.File(src).Flag("-bogus").Compile(context.Background(), "broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduler.ErrCompile)
}

func TestCompileValidation(t *testing.T) {
	src := writeSource(t, t.TempDir(), "ok.c")

	tests := []struct {
		name  string
		setup func(b *Build)
		lib   string
	}{
		{
			name:  "no sources",
			setup: func(b *Build) { b.Target(testTriple).Host(testTriple) },
			lib:   "empty",
		},
		{
			name:  "missing target",
			setup: func(b *Build) { b.File(src).Host(testTriple) },
			lib:   "lib",
		},
		{
			name:  "malformed target",
			setup: func(b *Build) { b.File(src).Target("x86_64").Host(testTriple) },
			lib:   "lib",
		},
		{
			name:  "missing host",
			setup: func(b *Build) { b.File(src).Target(testTriple) },
			lib:   "lib",
		},
		{
			name: "name with separator",
			setup: func(b *Build) {
				b.File(src).Target(testTriple).Host(testTriple)
			},
			lib: "bad/name",
		},
		{
			name: "source does not exist",
			setup: func(b *Build) {
				b.File(filepath.Join(t.TempDir(), "ghost.c")).Target(testTriple).Host(testTriple)
			},
			lib: "lib",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New().Logger(discardLogger())
			tt.setup(b)

			_, err := b.Compile(context.Background(), tt.lib)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}
