// Package env composes the environment handed to worker processes.
package env

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers supervisor-wide variables over an optional OS base.
type Env struct {
	Var   Var  // global variables (K->V)
	UseOS bool // start from the supervisor's own environment
	env   Var  // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var), UseOS: true}
}

// FromOS pins the current process environment as the base. Without it the
// base is read at every Merge.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// WithSet returns a copy of e with K=V applied, leaving e untouched.
func (e *Env) WithSet(k, v string) *Env {
	cp := &Env{Var: make(Var, len(e.Var)+1), UseOS: e.UseOS, env: e.env}
	for kk, vv := range e.Var {
		cp.Var[kk] = vv
	}
	cp.Var[k] = v
	return cp
}

// SetPairs applies a list of "K=V" entries; malformed entries are rejected.
func (e *Env) SetPairs(pairs []string) error {
	for _, kv := range pairs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return fmt.Errorf("invalid env entry %q, expected KEY=VALUE", kv)
		}
		e.Set(kv[:i], kv[i+1:])
	}
	return nil
}

// LoadFile reads a dotenv-style file (KEY=VALUE per line, # comments,
// optional "export " prefix and surrounding quotes) into the global set.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return fmt.Errorf("open env file: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
		e.Set(k, v)
	}
	return sc.Err()
}

// Merge composes the final environment list applying order:
// base = OS env (when UseOS), then global e.Var, then perWorker "K=V" entries.
// ${VAR} references are expanded against the composed map (one pass, no recursion).
// The result is sorted by key.
func (e *Env) Merge(perWorker []string) []string {
	m := make(Var)
	if e.UseOS {
		base := e.env
		if base == nil {
			base = parse(os.Environ())
		}
		for k, v := range base {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(perWorker) {
		m[k] = v
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m, keys))
	}
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var, keys []string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	for _, k := range keys {
		s = strings.ReplaceAll(s, "${"+k+"}", m[k])
	}
	return s
}
