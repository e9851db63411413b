// Package resolve implements the variable-reference grammar:
//
//	expr     := "{{" path ("|" "default" "(" literal ")")? "}}"
//	path     := segment ("." segment)*
//	segment  := ident | ident "[" (integer | quoted) "]"
//
// No function calls, arithmetic or conditionals: anything else inside the
// braces is a parse error.
package resolve

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Part is one resolved path element: either a map key or an array index.
type Part struct {
	Key     string
	Index   int
	IsIndex bool
}

// Ref is one parsed variable reference.
type Ref struct {
	// Raw is the original text between the braces.
	Raw string

	// Path is the sequence of keys/indexes to walk.
	Path []Part

	// HasDefault and Default carry the `| default(lit)` clause.
	HasDefault bool
	Default    any
}

// Root returns the first key of the path, or "" for an empty path.
func (r *Ref) Root() string {
	if len(r.Path) == 0 {
		return ""
	}
	return r.Path[0].Key
}

// ParseRef parses the text between "{{" and "}}".
func ParseRef(inner string) (*Ref, error) {
	ref := &Ref{Raw: strings.TrimSpace(inner)}
	pathPart := ref.Raw

	if i := strings.Index(ref.Raw, "|"); i >= 0 {
		pathPart = strings.TrimSpace(ref.Raw[:i])
		def, err := parseDefaultClause(strings.TrimSpace(ref.Raw[i+1:]))
		if err != nil {
			return nil, fmt.Errorf("reference %q: %w", ref.Raw, err)
		}
		ref.HasDefault = true
		ref.Default = def
	}

	path, err := parsePath(pathPart)
	if err != nil {
		return nil, fmt.Errorf("reference %q: %w", ref.Raw, err)
	}
	ref.Path = path
	return ref, nil
}

func parsePath(s string) ([]Part, error) {
	if s == "" {
		return nil, fmt.Errorf("empty path")
	}
	var parts []Part
	for _, seg := range splitSegments(s) {
		segParts, err := parseSegment(seg)
		if err != nil {
			return nil, err
		}
		parts = append(parts, segParts...)
	}
	return parts, nil
}

// splitSegments splits on "." while respecting bracketed quoted keys, which
// may themselves contain dots.
func splitSegments(s string) []string {
	var segs []string
	depth := 0
	var quote rune
	start := 0
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '[':
			depth++
		case r == ']':
			depth--
		case r == '.' && depth == 0:
			segs = append(segs, s[start:i])
			start = i + 1
		}
	}
	segs = append(segs, s[start:])
	return segs
}

func parseSegment(seg string) ([]Part, error) {
	if seg == "" {
		return nil, fmt.Errorf("empty path segment")
	}
	open := strings.IndexByte(seg, '[')
	ident := seg
	rest := ""
	if open >= 0 {
		ident = seg[:open]
		rest = seg[open:]
	}
	if !validIdent(ident) {
		return nil, fmt.Errorf("invalid identifier %q", ident)
	}
	parts := []Part{{Key: ident}}
	for rest != "" {
		if rest[0] != '[' {
			return nil, fmt.Errorf("unexpected %q after index", rest)
		}
		close := matchingBracket(rest)
		if close < 0 {
			return nil, fmt.Errorf("unterminated index in %q", seg)
		}
		idx := strings.TrimSpace(rest[1:close])
		part, err := parseIndex(idx)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
		rest = rest[close+1:]
	}
	return parts, nil
}

func matchingBracket(s string) int {
	var quote rune
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ']':
			return i
		}
	}
	return -1
}

func parseIndex(idx string) (Part, error) {
	if idx == "" {
		return Part{}, fmt.Errorf("empty index")
	}
	if idx[0] == '\'' || idx[0] == '"' {
		if len(idx) < 2 || idx[len(idx)-1] != idx[0] {
			return Part{}, fmt.Errorf("unterminated quoted key %q", idx)
		}
		return Part{Key: idx[1 : len(idx)-1]}, nil
	}
	n, err := strconv.Atoi(idx)
	if err != nil {
		return Part{}, fmt.Errorf("index %q is neither an integer nor a quoted key", idx)
	}
	return Part{Index: n, IsIndex: true}, nil
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}

// parseDefaultClause parses `default(<literal>)`.
func parseDefaultClause(s string) (any, error) {
	if !strings.HasPrefix(s, "default") {
		return nil, fmt.Errorf("unknown filter %q (only default is supported)", s)
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "default"))
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, fmt.Errorf("malformed default clause")
	}
	return parseLiteral(strings.TrimSpace(s[1 : len(s)-1]))
}

func parseLiteral(s string) (any, error) {
	switch {
	case s == "null":
		return nil, nil
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case len(s) >= 2 && (s[0] == '\'' || s[0] == '"'):
		if s[len(s)-1] != s[0] {
			return nil, fmt.Errorf("unterminated string literal %s", s)
		}
		return s[1 : len(s)-1], nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("invalid literal %q", s)
}

// FindRefs extracts every parseable reference embedded in s.
func FindRefs(s string) ([]*Ref, error) {
	var refs []*Ref
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			return refs, nil
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			return refs, fmt.Errorf("unterminated reference in %q", s)
		}
		inner := rest[open+2 : open+close]
		ref, err := ParseRef(inner)
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
		rest = rest[open+close+2:]
	}
}
