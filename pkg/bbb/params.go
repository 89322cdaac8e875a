// Package bbb implements the BigBlueButton wire protocol: signed query
// strings, the XML response envelope, scoped meeting IDs and a low-level
// HTTP client for backend API calls.
package bbb

import (
	"fmt"
	"net/url"
	"strings"
)

type pair struct {
	key   string
	value string
}

// Params is an ordered set of BBB API query parameters. Checksums are
// computed over the serialized query string, so insertion order must survive
// a parse/encode round-trip. Keys are unique; Set replaces in place.
type Params struct {
	pairs []pair
}

// NewParams returns Params populated from alternating key/value arguments.
func NewParams(kv ...string) Params {
	if len(kv)%2 != 0 {
		panic("bbb.NewParams: odd number of arguments")
	}
	var p Params
	for i := 0; i < len(kv); i += 2 {
		p.Set(kv[i], kv[i+1])
	}
	return p
}

// ParseParams parses an URL-encoded query string, preserving parameter order.
func ParseParams(rawQuery string) (Params, error) {
	var p Params
	for _, segment := range strings.Split(rawQuery, "&") {
		if segment == "" {
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		key, err := url.QueryUnescape(key)
		if err != nil {
			return Params{}, fmt.Errorf("malformed query parameter %q: %w", segment, err)
		}
		value, err = url.QueryUnescape(value)
		if err != nil {
			return Params{}, fmt.Errorf("malformed query parameter %q: %w", segment, err)
		}
		p.Set(key, value)
	}
	return p, nil
}

// Get returns the value for key, or "" if absent.
func (p *Params) Get(key string) string {
	for _, kv := range p.pairs {
		if kv.key == key {
			return kv.value
		}
	}
	return ""
}

// Has reports whether key is present, even with an empty value.
func (p *Params) Has(key string) bool {
	for _, kv := range p.pairs {
		if kv.key == key {
			return true
		}
	}
	return false
}

// Set replaces the value for key, appending the pair if key is new.
func (p *Params) Set(key, value string) {
	for i, kv := range p.pairs {
		if kv.key == key {
			p.pairs[i].value = value
			return
		}
	}
	p.pairs = append(p.pairs, pair{key, value})
}

// Del removes key and returns its former value.
func (p *Params) Del(key string) (string, bool) {
	for i, kv := range p.pairs {
		if kv.key == key {
			p.pairs = append(p.pairs[:i], p.pairs[i+1:]...)
			return kv.value, true
		}
	}
	return "", false
}

// Keys returns the parameter names in insertion order.
func (p *Params) Keys() []string {
	keys := make([]string, len(p.pairs))
	for i, kv := range p.pairs {
		keys[i] = kv.key
	}
	return keys
}

// Len returns the number of parameters.
func (p *Params) Len() int {
	return len(p.pairs)
}

// Clone returns an independent copy.
func (p *Params) Clone() Params {
	return Params{pairs: append([]pair(nil), p.pairs...)}
}

// Encode serializes the parameters as an URL-encoded query string in
// insertion order.
func (p *Params) Encode() string {
	var b strings.Builder
	for i, kv := range p.pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.value))
	}
	return b.String()
}
