// Package env composes the environment handed to the backend process.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers global variables over an OS base.
type Env struct {
	Var  Var  // global variables (K->V)
	base Var  // cached base from OS environment
	noOS bool // when true the OS environment is not inherited
}

func New() *Env { return &Env{Var: make(Var)} }

// Isolated returns an Env that does not inherit the OS environment.
func Isolated() *Env { return &Env{Var: make(Var), noOS: true} }

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetAll applies "K=V" entries; malformed entries are skipped.
func (e *Env) SetAll(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.Set(k, v)
		}
	}
}

func (e *Env) loadBase() Var {
	if e.noOS {
		return Var{}
	}
	if e.base == nil {
		e.base = parse(os.Environ())
	}
	return e.base
}

// Merge composes base, then globals, then extra "K=V" overrides, and expands
// ${VAR} references against the composed map. The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var)
	for k, v := range e.loadBase() {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	return m
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// expand replaces ${VAR} once; no recursion.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
