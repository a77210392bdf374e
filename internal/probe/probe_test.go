package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbuild-dev/cbuild/internal/runner"
	"github.com/cbuild-dev/cbuild/internal/toolchain"
)

// fakeCompiler accepts every flag except those containing "unknown" and
// counts how many trial compiles actually ran.
type fakeCompiler struct {
	calls    atomic.Int64
	spawnErr error
}

func (f *fakeCompiler) Run(ctx context.Context, cmd runner.Cmd, sink runner.LineSink) (*runner.Result, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}

	f.calls.Add(1)

	for _, arg := range cmd.Args {
		if strings.Contains(arg, "unknown") {
			return &runner.Result{ExitCode: 1, Output: "error: unrecognized command-line option\n"}, nil
		}
	}

	return &runner.Result{}, nil
}

func gnuIdentity() *toolchain.Identity {
	return &toolchain.Identity{
		Family:      toolchain.FamilyGNU,
		Compiler:    "cc",
		Fingerprint: "gnu:cc",
	}
}

func newTestProber(t *testing.T, exec Executor) *Prober {
	t.Helper()
	return New(gnuIdentity(), NewCache(), exec, t.TempDir(), false, 4, nil)
}

func TestApplyDropsRejectedFlags(t *testing.T) {
	fc := &fakeCompiler{}
	p := newTestProber(t, fc)

	got, err := p.Apply(context.Background(), [][]string{
		{"-Wall"},
		{"-Wunknown-experimental-flag"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"-Wall"}, got)
}

func TestSupportedIsIdempotent(t *testing.T) {
	fc := &fakeCompiler{}
	p := newTestProber(t, fc)

	first, err := p.Supported(context.Background(), "-Wall")
	require.NoError(t, err)

	second, err := p.Supported(context.Background(), "-Wall")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, fc.calls.Load(), "second probe must come from the cache")
}

func TestApplyFallbackGroupKeepsFirstAccepted(t *testing.T) {
	fc := &fakeCompiler{}
	p := newTestProber(t, fc)

	got, err := p.Apply(context.Background(), [][]string{
		{"-funknown-older-spelling", "-fstack-protector-strong", "-fstack-protector"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"-fstack-protector-strong"}, got)
}

func TestApplyGroupWithNoAcceptedFlag(t *testing.T) {
	fc := &fakeCompiler{}
	p := newTestProber(t, fc)

	got, err := p.Apply(context.Background(), [][]string{
		{"-Wunknown-a", "-Wunknown-b"},
		{"-Wall"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"-Wall"}, got)
}

func TestSupportedSpawnFailureEscalates(t *testing.T) {
	fc := &fakeCompiler{spawnErr: fmt.Errorf("%w: cc: no such file", runner.ErrSpawn)}
	p := newTestProber(t, fc)

	_, err := p.Supported(context.Background(), "-Wall")
	require.ErrorIs(t, err, toolchain.ErrNotFound)
}

func TestCacheSharedAcrossProbers(t *testing.T) {
	fc := &fakeCompiler{}
	cache := NewCache()
	dir := t.TempDir()

	a := New(gnuIdentity(), cache, fc, dir, false, 2, nil)
	b := New(gnuIdentity(), cache, fc, dir, false, 2, nil)

	_, err := a.Supported(context.Background(), "-Wall")
	require.NoError(t, err)

	_, err = b.Supported(context.Background(), "-Wall")
	require.NoError(t, err)

	assert.EqualValues(t, 1, fc.calls.Load())
}

func TestCreateTrialFileRetriesOnCollision(t *testing.T) {
	fc := &fakeCompiler{}
	p := newTestProber(t, fc)

	// Force the first two generated names to collide with existing files.
	names := []string{"dup", "dup", "fresh"}
	var n int
	p.newName = func() string {
		name := names[n%len(names)]
		n++
		return name
	}

	taken := filepath.Join(p.dir, "cbuild-probe-dup.c")
	require.NoError(t, os.WriteFile(taken, nil, 0o644))

	path, err := p.createTrialFile()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.dir, "cbuild-probe-fresh.c"), path)

	// The colliding file was not touched or removed.
	_, statErr := os.Stat(taken)
	assert.NoError(t, statErr)
}

func TestConcurrentProbesShareOneTrialPerFlag(t *testing.T) {
	fc := &fakeCompiler{}
	cache := NewCache()
	dir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			p := New(gnuIdentity(), cache, fc, dir, false, 2, nil)
			_, err := p.Supported(context.Background(), "-Wall")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Concurrent workers may race past the cache check, but every one of
	// them must observe the same final answer and leave no trial files.
	accepted, err := New(gnuIdentity(), cache, fc, dir, false, 2, nil).Supported(context.Background(), "-Wall")
	require.NoError(t, err)
	assert.True(t, accepted)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "trial files must be cleaned up")
}

func TestTrialUsesCppExtensionInCppMode(t *testing.T) {
	p := New(gnuIdentity(), NewCache(), &fakeCompiler{}, t.TempDir(), true, 1, nil)

	path, err := p.createTrialFile()
	require.NoError(t, err)
	defer os.Remove(path)

	assert.True(t, strings.HasSuffix(path, ".cpp"))
}
