package pipeline

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// listSeparator joins PATH-like lists. Steps always run in a POSIX shell,
// whatever the host OS.
const listSeparator = ":"

// Env is a job environment: variables in first-insertion order. It is
// created at job start from the executor's base environment and discarded
// when the job ends. Steps only ever see copies of it.
type Env struct {
	keys   []string
	values map[string]string
}

// NewEnv builds an Env from KEY=VALUE pairs. Later duplicates win.
func NewEnv(pairs []string) *Env {
	e := &Env{values: make(map[string]string, len(pairs))}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		e.Set(k, v)
	}
	return e
}

// Get returns the value of key, or "" when unset.
func (e *Env) Get(key string) string {
	return e.values[key]
}

// Lookup reports whether key is set.
func (e *Env) Lookup(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Set assigns key.
func (e *Env) Set(key, value string) {
	if _, ok := e.values[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.values[key] = value
}

// Expand replaces $VAR and ${VAR} in s with values from e. Unset
// variables expand to "".
func (e *Env) Expand(s string) string {
	return os.Expand(s, e.Get)
}

// SetAll assigns every entry of vars after expanding its value against e.
// Keys are applied in sorted order so the result does not depend on map
// iteration.
func (e *Env) SetAll(vars map[string]string) {
	for _, k := range sortedKeys(vars) {
		e.Set(k, e.Expand(vars[k]))
	}
}

// PrependPath puts dir in front of PATH.
func (e *Env) PrependPath(dir string) {
	if current := e.Get("PATH"); current != "" {
		e.Set("PATH", dir+listSeparator+current)
		return
	}
	e.Set("PATH", dir)
}

// AppendList appends value to the colon-separated list in key.
func (e *Env) AppendList(key, value string) {
	if current := e.Get(key); current != "" {
		e.Set(key, current+listSeparator+value)
		return
	}
	e.Set(key, value)
}

// Clone returns an independent copy.
func (e *Env) Clone() *Env {
	c := &Env{keys: append([]string(nil), e.keys...), values: make(map[string]string, len(e.values))}
	for k, v := range e.values {
		c.values[k] = v
	}
	return c
}

// Environ returns the variables as KEY=VALUE pairs in insertion order.
func (e *Env) Environ() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.values[k])
	}
	return out
}

// applyMutations applies a step's path and env-append declarations. The
// first path entry ends up first on PATH.
func (e *Env) applyMutations(path []string, appendVars map[string]string) {
	for i := len(path) - 1; i >= 0; i-- {
		e.PrependPath(e.Expand(path[i]))
	}
	for _, k := range sortedKeys(appendVars) {
		e.AppendList(k, e.Expand(appendVars[k]))
	}
}

// applyEnvFiles merges what a step wrote to its environment files.
// envFile holds dotenv-style KEY=VALUE lines; pathFile holds one directory
// per line, each prepended to PATH so that later lines take precedence.
// Missing files are treated as empty.
func (e *Env) applyEnvFiles(envFile, pathFile string) error {
	if data, err := os.ReadFile(envFile); err == nil {
		vars, err := godotenv.UnmarshalBytes(data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envFile, err)
		}
		for _, k := range sortedKeys(vars) {
			e.Set(k, vars[k])
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", envFile, err)
	}

	if data, err := os.ReadFile(pathFile); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if dir := strings.TrimSpace(line); dir != "" {
				e.PrependPath(dir)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", pathFile, err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
