package env

import (
	"os"
	"sort"
	"strings"
)

// DefaultAllow lists host variables every scenario process receives.
var DefaultAllow = []string{"PATH", "HOME", "LANG"}

type Var map[string]string

// Env composes a child environment from an allow-list of host variables
// plus explicit overrides. The host environment is never copied wholesale.
type Env struct {
	Var    Var // explicit variables (K->V), applied over allow-listed host values
	allow  map[string]struct{}
	lookup func(string) (string, bool)
}

func New(allow ...string) *Env {
	e := &Env{Var: make(Var), allow: make(map[string]struct{}), lookup: os.LookupEnv}
	e.Allow(allow...)
	return e
}

// WithLookup replaces the host environment source, mainly for tests.
func (e *Env) WithLookup(fn func(string) (string, bool)) *Env {
	e.lookup = fn
	return e
}

// Allow adds host variable names that may be copied into the child.
func (e *Env) Allow(names ...string) {
	if e.allow == nil {
		e.allow = make(map[string]struct{})
	}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || strings.ContainsAny(n, "= ") {
			continue
		}
		e.allow[n] = struct{}{}
	}
}

// Allowed reports the allow-list in sorted order.
func (e *Env) Allowed() []string {
	out := make([]string, 0, len(e.allow))
	for k := range e.allow {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Set sets an explicit variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes an explicit variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Clone returns an independent copy sharing the lookup function.
func (e *Env) Clone() *Env {
	c := &Env{Var: make(Var, len(e.Var)), allow: make(map[string]struct{}, len(e.allow)), lookup: e.lookup}
	for k, v := range e.Var {
		c.Var[k] = v
	}
	for k := range e.allow {
		c.allow[k] = struct{}{}
	}
	return c
}

// Merge composes the final environment list applying order:
// allow-listed host variables, then e.Var, then extra ("K=V") entries.
// ${VAR} references are expanded against the composed map (no recursion)
// and the result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var)
	if e.lookup != nil {
		for k := range e.allow {
			if v, ok := e.lookup(k); ok {
				m[k] = v
			}
		}
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range extra {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
