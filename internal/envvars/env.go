// Package envvars provides the in-memory environment an in-process worker reads
// instead of the real process environment.
package envvars

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// UseFileTransfer selects file-transfer mode in the worker.
const UseFileTransfer = "USE_FILE_TRANSFER"

// Env is a concurrency-safe set of environment variables.
type Env struct {
	mu   sync.RWMutex
	vars map[string]string
}

// New creates an environment seeded with initial.
func New(initial map[string]string) *Env {
	vars := make(map[string]string, len(initial))
	for key, value := range initial {
		vars[key] = value
	}
	return &Env{vars: vars}
}

// Set assigns key.
func (e *Env) Set(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vars == nil {
		e.vars = map[string]string{}
	}
	e.vars[key] = value
}

// Lookup returns the value of key and whether it is set.
func (e *Env) Lookup(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	value, ok := e.vars[key]
	return value, ok
}

// Get returns the value of key or "".
func (e *Env) Get(key string) string {
	value, _ := e.Lookup(key)
	return value
}

// Bool parses key as a boolean; unset or unparsable values are false.
func (e *Env) Bool(key string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(e.Get(key)))
	return err == nil && parsed
}

// Snapshot returns KEY=VALUE pairs sorted by key.
func (e *Env) Snapshot() []string {
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.vars))
	for key, value := range e.vars {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}
