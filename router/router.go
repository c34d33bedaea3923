// Package router matches incoming (method, path) pairs against declarative
// route patterns like "GET /data/:id", extracts parameter bindings, and
// computes rewritten upstream paths. Patterns are evaluated in insertion
// order; the first match wins, which also resolves ambiguity between
// overlapping patterns.
package router

import (
	"fmt"
	"net/url"
	"strings"
)

// pattern is one compiled route pattern.
type pattern struct {
	key      string // exact form, e.g. "GET /data/:id"
	method   string
	segments []segment
}

type segment struct {
	literal string
	param   string // non-empty for ":name" segments
}

// Router holds the ordered pattern set.
type Router struct {
	patterns []pattern
}

// Match is a successful route match.
type Match struct {
	// Pattern is the matched pattern's exact string form, the route key.
	Pattern string

	// Params holds the URL-decoded parameter captures.
	Params map[string]string
}

// NoMatch reports a failed lookup: every pattern that was checked, plus a
// closest-match suggestion when one clears the distance gate.
type NoMatch struct {
	Checked    []string
	Suggestion string
}

// New compiles the given patterns in order. A pattern is "METHOD /seg/:param".
func New(patterns []string) (*Router, error) {
	r := &Router{}
	for _, p := range patterns {
		if err := r.Add(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add appends one pattern to the match order.
func (r *Router) Add(key string) error {
	method, path, ok := strings.Cut(key, " ")
	if !ok || method == "" || !strings.HasPrefix(path, "/") {
		return fmt.Errorf("invalid route pattern %q: want \"METHOD /path\"", key)
	}
	p := pattern{key: key, method: strings.ToUpper(method)}
	for _, seg := range splitPath(path) {
		if strings.HasPrefix(seg, ":") {
			name := seg[1:]
			if name == "" {
				return fmt.Errorf("invalid route pattern %q: empty parameter name", key)
			}
			p.segments = append(p.segments, segment{param: name})
		} else {
			p.segments = append(p.segments, segment{literal: seg})
		}
	}
	r.patterns = append(r.patterns, p)
	return nil
}

// Match returns the first pattern matching the request, or a NoMatch listing
// the patterns checked. Method comparison is case-insensitive; paths are
// compared segment-by-segment with no trailing-slash normalization and no
// HEAD/GET aliasing.
func (r *Router) Match(method, path string) (*Match, *NoMatch) {
	method = strings.ToUpper(method)
	reqSegs := splitPath(path)

	checked := make([]string, 0, len(r.patterns))
	for _, p := range r.patterns {
		checked = append(checked, p.key)
		if p.method != method {
			continue
		}
		params, ok := matchSegments(p.segments, reqSegs)
		if !ok {
			continue
		}
		return &Match{Pattern: p.key, Params: params}, nil
	}

	return nil, &NoMatch{
		Checked:    checked,
		Suggestion: r.suggest(method + " " + path),
	}
}

func matchSegments(pat []segment, req []string) (map[string]string, bool) {
	if len(pat) != len(req) {
		return nil, false
	}
	params := map[string]string{}
	for i, s := range pat {
		if s.param != "" {
			val, err := url.PathUnescape(req[i])
			if err != nil {
				val = req[i]
			}
			params[s.param] = val
			continue
		}
		if s.literal != req[i] {
			return nil, false
		}
	}
	return params, true
}

// suggest proposes the closest pattern by Levenshtein distance over the full
// "METHOD /path" string, gated at 40% of the longer string's length.
func (r *Router) suggest(requested string) string {
	best := ""
	bestDist := -1
	for _, p := range r.patterns {
		d := levenshtein(requested, p.key)
		if bestDist == -1 || d < bestDist {
			best, bestDist = p.key, d
		}
	}
	if best == "" {
		return ""
	}
	longer := len(requested)
	if len(best) > longer {
		longer = len(best)
	}
	if float64(bestDist) > 0.4*float64(longer) {
		return ""
	}
	return best
}

// splitPath splits on "/" dropping only the leading empty segment, so a
// trailing slash produces a trailing empty segment and does not match a
// pattern without one.
func splitPath(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
