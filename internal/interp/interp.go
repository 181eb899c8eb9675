// Package interp implements Aurora's variable interpolation engine (spec
// §4.3, C3): single-pass left-to-right substitution of ${namespace.key}
// placeholders and the $$ -> $ escape over arbitrary strings.
package interp

import (
	"strings"
	"sync"

	"github.com/stevedores-org/aurora/internal/aerrors"
)

// Ctx is the free-form, per-run "ctx" namespace. It is read by every beam's
// task and written only through the plugin set_var host function; spec §5
// requires those mutations to be atomic and published via a concurrent
// mapping, so Ctx is backed by a mutex rather than a plain map.
type Ctx struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewCtx returns an empty ctx namespace, scoped to a single run (spec §9
// Open Questions: ctx does not persist across runs).
func NewCtx() *Ctx {
	return &Ctx{values: make(map[string]string)}
}

// Get returns a ctx value and whether it was set.
func (c *Ctx) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set writes a ctx value, as invoked by a plugin's set_var host call.
func (c *Ctx) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Namespaces bundles the four lookup sources the grammar recognizes.
type Namespaces struct {
	Var  map[string]string
	Env  map[string]string
	Beam map[string]string
	Ctx  *Ctx
}

func (n Namespaces) lookup(namespace, key string) (string, bool) {
	switch namespace {
	case "var":
		v, ok := n.Var[key]
		return v, ok
	case "env":
		v, ok := n.Env[key]
		return v, ok
	case "beam":
		v, ok := n.Beam[key]
		return v, ok
	case "ctx":
		if n.Ctx == nil {
			return "", false
		}
		return n.Ctx.Get(key)
	default:
		return "", false
	}
}

func knownNamespace(namespace string) bool {
	switch namespace {
	case "var", "env", "beam", "ctx":
		return true
	default:
		return false
	}
}

// Interpolate resolves every ${namespace.key} placeholder and $$ escape in
// s. Replacement text is never re-interpolated. A literal $ not followed by
// $ or { is preserved verbatim.
func Interpolate(s string, ns Namespaces) (string, error) {
	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		c := s[i]
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}

		// c == '$'
		if i+1 >= len(s) {
			out.WriteByte(c)
			i++
			continue
		}

		switch s[i+1] {
		case '$':
			out.WriteByte('$')
			i += 2
			continue
		case '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return "", &aerrors.InterpolationError{Kind: "malformed_placeholder", Input: s}
			}
			placeholder := s[i+2 : i+2+end]
			dot := strings.IndexByte(placeholder, '.')
			if dot <= 0 || dot == len(placeholder)-1 {
				return "", &aerrors.InterpolationError{Kind: "malformed_placeholder", Input: placeholder}
			}
			namespace, key := placeholder[:dot], placeholder[dot+1:]
			if !knownNamespace(namespace) {
				return "", &aerrors.InterpolationError{Kind: "unknown_namespace", Input: placeholder}
			}
			value, ok := ns.lookup(namespace, key)
			if !ok {
				return "", &aerrors.InterpolationError{Kind: "unknown_variable", Input: placeholder}
			}
			out.WriteString(value)
			i += 2 + end + 1
			continue
		default:
			out.WriteByte(c)
			i++
			continue
		}
	}

	return out.String(), nil
}

// InterpolateAll applies Interpolate to every string in a slice, failing
// fast on the first error (used for RunBlock command lists).
func InterpolateAll(ss []string, ns Namespaces) ([]string, error) {
	out := make([]string, len(ss))
	for i, s := range ss {
		r, err := Interpolate(s, ns)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// InterpolateEnv resolves every value in an env map. Keys are left
// untouched; spec §4.3 only interpolates values. Every value is resolved
// against ns as given: the beam's own env entries are overlaid onto the
// env namespace only after this pass, so one entry cannot reference
// another, and map iteration order does not affect the result.
func InterpolateEnv(env map[string]string, ns Namespaces) (map[string]string, error) {
	out := make(map[string]string, len(env))
	for k, v := range env {
		r, err := Interpolate(v, ns)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}
