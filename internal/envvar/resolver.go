// Package envvar resolves layered build-process environment variables.
//
// The host build process can qualify any variable (CC, CFLAGS, AR, ...) by
// target triple or by build role, and the most specific spelling wins:
//
//  1. <VAR>_<target-triple>           e.g. CC_x86_64-unknown-linux-gnu
//  2. <VAR>_<target_triple>           dashes replaced with underscores
//  3. <ROLE>_<VAR>                    HOST_CC or TARGET_CC
//  4. <VAR>                           plain
//
// Every key consulted is recorded so the caller can declare it for
// revalidation; an unset variable is never an error at this layer.
package envvar

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
)

// LookupFunc looks up one environment variable, os.LookupEnv shaped.
type LookupFunc func(key string) (string, bool)

// Resolver computes effective variable values for one build operation.
type Resolver struct {
	target        string
	host          string
	hostArtifacts bool
	lookup        LookupFunc

	mu        sync.Mutex
	consulted map[string]struct{}
}

// New creates a resolver for the given target/host pair. hostArtifacts
// selects the HOST_ role prefix instead of TARGET_.
func New(target, host string, hostArtifacts bool) *Resolver {
	return NewWithLookup(target, host, hostArtifacts, os.LookupEnv)
}

// NewWithLookup is New with a custom variable source.
func NewWithLookup(target, host string, hostArtifacts bool, lookup LookupFunc) *Resolver {
	return &Resolver{
		target:        target,
		host:          host,
		hostArtifacts: hostArtifacts,
		lookup:        lookup,
		consulted:     make(map[string]struct{}),
	}
}

// Get returns the effective value of base, trying the qualified spellings in
// precedence order. The second return reports whether any spelling was set.
func (r *Resolver) Get(base string) (string, bool) {
	role := "TARGET"
	if r.hostArtifacts {
		role = "HOST"
	}

	keys := []string{
		base + "_" + r.target,
		base + "_" + strings.ReplaceAll(r.target, "-", "_"),
		role + "_" + base,
		base,
	}

	for _, key := range keys {
		r.record(key)

		if v, ok := r.lookup(key); ok {
			return v, true
		}
	}

	return "", false
}

// GetDefault is Get with a built-in fallback value.
func (r *Resolver) GetDefault(base, fallback string) string {
	if v, ok := r.Get(base); ok {
		return v
	}

	return fallback
}

// GetFlags resolves base and splits its value using shell quoting rules, so
// values like `-DNAME="quoted value"` survive as one token.
func (r *Resolver) GetFlags(base string) ([]string, error) {
	v, ok := r.Get(base)
	if !ok || v == "" {
		return nil, nil
	}

	return shellquote.Split(v)
}

// Consulted returns the sorted set of variable names looked up so far.
func (r *Resolver) Consulted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.consulted))
	for k := range r.consulted {
		keys = append(keys, k)
	}

	sort.Strings(keys)
	return keys
}

func (r *Resolver) record(key string) {
	r.mu.Lock()
	r.consulted[key] = struct{}{}
	r.mu.Unlock()
}
