package pricing

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// globCache holds compiled "*" glob patterns; rules come from immutable
// config, so the cache only grows to the number of distinct patterns.
var globCache sync.Map // pattern string -> *regexp.Regexp

// ruleMatches reports whether every entry of a where clause matches the
// request. Keys are dot-paths rooted at body, query, headers, or params.
func ruleMatches(where map[string]any, vars *Vars) (bool, error) {
	for key, want := range where {
		got, ok := lookupPath(key, vars)
		if !ok {
			return false, nil
		}
		match, err := valueMatches(want, got)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

// lookupPath resolves a dot-path against the request material.
func lookupPath(path string, vars *Vars) (any, bool) {
	root, rest, _ := strings.Cut(path, ".")
	switch root {
	case "body":
		return lookupJSON(vars.Body, rest)
	case "query":
		if vars.Query == nil || !vars.Query.Has(rest) {
			return nil, false
		}
		return vars.Query.Get(rest), true
	case "headers":
		if vars.Headers == nil {
			return nil, false
		}
		v := vars.Headers.Get(rest)
		if v == "" {
			return nil, false
		}
		return v, true
	case "params":
		v, ok := vars.Params[rest]
		return v, ok
	default:
		return nil, false
	}
}

func lookupJSON(v any, path string) (any, bool) {
	if path == "" {
		return v, v != nil
	}
	for _, part := range strings.Split(path, ".") {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

// valueMatches compares a rule value against the request value. String rule
// values support "*" globs; everything else compares by canonical string
// form, which absorbs YAML int vs JSON float64 mismatches.
func valueMatches(want, got any) (bool, error) {
	s, isString := want.(string)
	if isString && strings.Contains(s, "*") {
		re, err := compileGlob(s)
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprint(got)), nil
	}
	return fmt.Sprint(want) == fmt.Sprint(got), nil
}

// compileGlob compiles a "*" glob as an escaped, anchored regexp with ".*"
// substituted for each star.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	if cached, ok := globCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("bad match glob %q: %w", pattern, err)
	}
	globCache.Store(pattern, re)
	return re, nil
}
