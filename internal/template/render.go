// Package template renders message templates containing {{name}} placeholders.
package template

import "strings"

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

type tokenKind int

const (
	textToken tokenKind = iota
	varToken
)

type token struct {
	kind tokenKind
	// raw is the exact source text of the token, delimiters included.
	raw  string
	name string
}

// tokenize splits src into literal text and {{name}} placeholder spans.
// An opening delimiter without a matching close, or a span whose name is not
// a valid identifier, is kept as literal text.
func tokenize(src string) []token {
	var out []token
	rest := src
	for len(rest) > 0 {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			out = append(out, token{kind: textToken, raw: rest})
			break
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			out = append(out, token{kind: textToken, raw: rest})
			break
		}
		inner := rest[start+len(openDelim) : start+len(openDelim)+end]
		name := strings.TrimSpace(inner)
		if !validName(name) {
			// Keep the first brace as text and rescan from the next byte so
			// "{{{name}}" still resolves the inner placeholder.
			out = append(out, token{kind: textToken, raw: rest[:start+1]})
			rest = rest[start+1:]
			continue
		}
		if start > 0 {
			out = append(out, token{kind: textToken, raw: rest[:start]})
		}
		spanEnd := start + len(openDelim) + end + len(closeDelim)
		out = append(out, token{kind: varToken, raw: rest[start:spanEnd], name: name})
		rest = rest[spanEnd:]
	}
	return out
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}

// Render substitutes every bound placeholder in src. Unbound placeholders are
// left verbatim. Values are inserted once and never rescanned, so a value
// containing "{{x}}" is not expanded.
func Render(src string, vars map[string]string) string {
	tokens := tokenize(src)
	var b strings.Builder
	b.Grow(len(src))
	for _, t := range tokens {
		if t.kind == varToken {
			if v, ok := vars[t.name]; ok {
				b.WriteString(v)
				continue
			}
		}
		b.WriteString(t.raw)
	}
	return b.String()
}

// Placeholders lists the distinct variable names referenced by src in order
// of first appearance.
func Placeholders(src string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tokenize(src) {
		if t.kind == varToken && !seen[t.name] {
			seen[t.name] = true
			out = append(out, t.name)
		}
	}
	return out
}

// Unbound lists placeholders in src with no value in vars.
func Unbound(src string, vars map[string]string) []string {
	var out []string
	for _, name := range Placeholders(src) {
		if _, ok := vars[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}
