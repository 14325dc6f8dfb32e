package swr

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Keyer derives deterministic cache keys from a resource identifier and its
// varying parameters. Implementations must be pure: identical inputs yield
// identical keys regardless of map iteration order.
type Keyer interface {
	Key(resource string, params map[string]string) string
}

type DefaultKeyer struct {
	prefix string
}

func NewDefaultKeyer(prefix string) *DefaultKeyer {
	if prefix == "" {
		prefix = "swr"
	}
	return &DefaultKeyer{prefix: prefix}
}

// Key returns <prefix>:<resource>:<digest>, where digest is the first 8 bytes
// of BLAKE2b-256 over the canonical form of the inputs.
func (k *DefaultKeyer) Key(resource string, params map[string]string) string {
	sum := blake2b.Sum256([]byte(Canonical(resource, params)))

	var b strings.Builder
	b.Grow(len(k.prefix) + len(resource) + 18)
	b.WriteString(k.prefix)
	b.WriteByte(':')
	b.WriteString(resource)
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(sum[:8]))
	return b.String()
}

// Canonical renders resource?name=value&... with parameters sorted by name,
// so the enumeration order at the call site never affects the result.
func Canonical(resource string, params map[string]string) string {
	if len(params) == 0 {
		return resource
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(resource)
	for i, name := range names {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
	}
	return b.String()
}

var _ Keyer = (*DefaultKeyer)(nil)
