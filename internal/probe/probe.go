// Package probe determines, via trial compiles of an empty translation
// unit, whether the resolved compiler accepts a candidate flag. Results are
// cached per (toolchain, flag) pair for the current build operation only.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cbuild-dev/cbuild/internal/runner"
	"github.com/cbuild-dev/cbuild/internal/toolchain"
)

// maxNameAttempts bounds the retry loop for exclusive trial-file creation.
const maxNameAttempts = 16

type cacheKey struct {
	fingerprint string
	flag        string
}

// Cache memoizes probe results. First writer for a key wins; later writers
// observe the cached result instead of re-running a trial compile.
type Cache struct {
	mu sync.Mutex
	m  map[cacheKey]bool
}

// NewCache creates an empty probe cache.
func NewCache() *Cache {
	return &Cache{m: make(map[cacheKey]bool)}
}

func (c *Cache) get(k cacheKey) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.m[k]
	return v, ok
}

// put stores a result unless one is already present, returning the winner.
func (c *Cache) put(k cacheKey, accepted bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.m[k]; ok {
		return v
	}

	c.m[k] = accepted
	return accepted
}

// Executor runs one external process; satisfied by *runner.Runner.
type Executor interface {
	Run(ctx context.Context, cmd runner.Cmd, sink runner.LineSink) (*runner.Result, error)
}

// Prober tests candidate flags against one toolchain identity.
type Prober struct {
	id     *toolchain.Identity
	cache  *Cache
	exec   Executor
	dir    string // scratch directory for trial files
	cpp    bool
	jobs   int
	logger *slog.Logger

	// newName generates candidate trial-file stems; replaced in tests.
	newName func() string
}

// New creates a Prober writing trial files under dir, probing at most jobs
// candidates concurrently.
func New(id *toolchain.Identity, cache *Cache, exec Executor, dir string, cpp bool, jobs int, logger *slog.Logger) *Prober {
	if cache == nil {
		cache = NewCache()
	}

	if jobs < 1 {
		jobs = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		id:      id,
		cache:   cache,
		exec:    exec,
		dir:     dir,
		cpp:     cpp,
		jobs:    jobs,
		logger:  logger,
		newName: uuid.NewString,
	}
}

// Supported reports whether the compiler accepts flag. Seen (toolchain,
// flag) pairs are answered from the cache without spawning anything.
//
// A trial compile that cannot even start is escalated as
// toolchain.ErrNotFound rather than treated as a rejected flag: a missing
// compiler would otherwise silently drop every candidate and fail later
// with a worse diagnostic.
func (p *Prober) Supported(ctx context.Context, flag string) (bool, error) {
	key := cacheKey{fingerprint: p.id.Fingerprint, flag: flag}
	if accepted, ok := p.cache.get(key); ok {
		return accepted, nil
	}

	accepted, err := p.trial(ctx, flag)
	if err != nil {
		return false, err
	}

	return p.cache.put(key, accepted), nil
}

// Apply probes ordered fallback groups and returns the accepted flags: the
// first accepted candidate of each group, in group order. Rejected flags
// are dropped silently. A single-candidate group is an independent flag.
func (p *Prober) Apply(ctx context.Context, groups [][]string) ([]string, error) {
	results := make([]map[string]bool, len(groups))
	for i := range groups {
		results[i] = make(map[string]bool, len(groups[i]))
	}

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.jobs)

	for gi, group := range groups {
		gi := gi
		for _, flag := range group {
			flag := flag
			g.Go(func() error {
				accepted, err := p.Supported(gctx, flag)
				if err != nil {
					return err
				}

				mu.Lock()
				results[gi][flag] = accepted
				mu.Unlock()

				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var accepted []string
	for gi, group := range groups {
		for _, flag := range group {
			if results[gi][flag] {
				accepted = append(accepted, flag)
				break
			}

			p.logger.Debug("flag not supported", "flag", flag)
		}
	}

	return accepted, nil
}

func (p *Prober) trial(ctx context.Context, flag string) (bool, error) {
	src, err := p.createTrialFile()
	if err != nil {
		return false, err
	}
	defer os.Remove(src)

	obj := src + p.id.ObjectExt()
	defer os.Remove(obj)

	args := append([]string{}, p.id.BaselineFlags...)
	args = append(args, flag, "-c")
	if p.id.Family == toolchain.FamilyMSVC {
		args = append(args, "-Fo"+obj, src)
	} else {
		args = append(args, "-o", obj, src)
	}

	res, err := p.exec.Run(ctx, runner.Cmd{Path: p.id.Compiler, Args: args}, nil)
	if err != nil {
		if errors.Is(err, runner.ErrSpawn) {
			return false, fmt.Errorf("%w: %v", toolchain.ErrNotFound, err)
		}

		return false, err
	}

	return res.ExitCode == 0, nil
}

// createTrialFile writes an empty translation unit under a fresh name using
// exclusive-creation semantics. A name collision means another worker raced
// us to that name; we retry with a new one instead of reusing the file.
func (p *Prober) createTrialFile() (string, error) {
	ext := ".c"
	if p.cpp {
		ext = ".cpp"
	}

	for i := 0; i < maxNameAttempts; i++ {
		path := filepath.Join(p.dir, "cbuild-probe-"+p.newName()+ext)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating trial file: %w", err)
		}

		f.Close()
		return path, nil
	}

	return "", fmt.Errorf("could not create a unique trial file in %s after %d attempts", p.dir, maxNameAttempts)
}
