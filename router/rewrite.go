package router

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// placeholder matches ${params.name} and ${query.name} interpolation sites.
// Unknown prefixes are intentionally not matched and pass through verbatim.
var placeholder = regexp.MustCompile(`\$\{(params|query)\.([A-Za-z0-9_\-]+)\}`)

// Rewrite resolves an upstream path template against the extracted params and
// the parsed query string. Substituted values are percent-encoded. A
// referenced but absent variable is an error (the gateway surfaces it as 500).
func Rewrite(template string, params map[string]string, query url.Values) (string, error) {
	var missing string
	out := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		groups := placeholder.FindStringSubmatch(m)
		scope, name := groups[1], groups[2]
		switch scope {
		case "params":
			if v, ok := params[name]; ok {
				return url.PathEscape(v)
			}
		case "query":
			if query.Has(name) {
				return url.PathEscape(query.Get(name))
			}
		}
		if missing == "" {
			missing = scope + "." + name
		}
		return m
	})
	if missing != "" {
		return "", fmt.Errorf("upstream path references undefined variable ${%s}", missing)
	}
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out, nil
}
