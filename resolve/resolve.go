package resolve

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Env is the resolution environment for one step. Namespaces are consulted
// in a fixed order: params, env (allowlist), builtins, then step outputs and
// aliases. The private and secrets layers are not represented here at all, so
// references into them behave as missing.
type Env struct {
	Params       map[string]any
	LookupEnv    func(name string) (string, bool)
	WorkflowID   string
	WorkflowName string

	// Steps maps node ids and output aliases to the node's result data.
	Steps map[string]any

	// Locals hold iteration variables (foreach `as`) that shadow step names.
	Locals map[string]any

	// Now supplies the timestamp builtin; defaults to time.Now.
	Now func() time.Time

	// Strict turns missing paths into errors instead of nulls.
	Strict bool
}

// ErrMissing marks an unresolvable path in strict mode.
type ErrMissing struct{ Ref string }

func (e *ErrMissing) Error() string { return fmt.Sprintf("unresolvable reference %q", e.Ref) }

// ResolveString evaluates all references in s. When the whole string is a
// single reference the typed value is returned; otherwise each reference is
// stringified into the surrounding text (JSON for objects and arrays, empty
// string for null).
func ResolveString(s string, env *Env) (any, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Index(trimmed, "}}") == len(trimmed)-2 {
		ref, err := ParseRef(trimmed[2 : len(trimmed)-2])
		if err != nil {
			return nil, err
		}
		return env.eval(ref)
	}

	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var b strings.Builder
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			return nil, fmt.Errorf("unterminated reference in %q", s)
		}
		b.WriteString(rest[:open])
		ref, err := ParseRef(rest[open+2 : open+close])
		if err != nil {
			return nil, err
		}
		v, err := env.eval(ref)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		rest = rest[open+close+2:]
	}
}

// ResolveValue resolves strings recursively through maps and slices, leaving
// other values untouched.
func ResolveValue(v any, env *Env) (any, error) {
	switch val := v.(type) {
	case string:
		return ResolveString(val, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := ResolveValue(item, env)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := ResolveValue(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// eval resolves one parsed reference against the environment.
func (env *Env) eval(ref *Ref) (any, error) {
	v, found := env.lookup(ref)
	if v == nil && ref.HasDefault {
		return ref.Default, nil
	}
	if !found && env.Strict {
		return nil, &ErrMissing{Ref: ref.Raw}
	}
	return v, nil
}

func (env *Env) lookup(ref *Ref) (any, bool) {
	if len(ref.Path) == 0 {
		return nil, false
	}
	root := ref.Path[0]
	rest := ref.Path[1:]

	switch root.Key {
	case "params":
		return navigate(env.Params, rest)
	case "env":
		if len(rest) != 1 || rest[0].IsIndex || env.LookupEnv == nil {
			return nil, false
		}
		v, ok := env.LookupEnv(rest[0].Key)
		if !ok {
			return nil, false
		}
		return v, true
	case "timestamp":
		if len(rest) != 0 {
			return nil, false
		}
		now := time.Now
		if env.Now != nil {
			now = env.Now
		}
		return now().UTC().Format(time.RFC3339), true
	case "workflow":
		if len(rest) != 1 || rest[0].IsIndex {
			return nil, false
		}
		switch rest[0].Key {
		case "id":
			return env.WorkflowID, true
		case "name":
			return env.WorkflowName, true
		}
		return nil, false
	case "private", "secrets":
		// Forbidden namespaces behave as missing.
		return nil, false
	}

	if env.Locals != nil {
		if v, ok := env.Locals[root.Key]; ok {
			return navigate(v, rest)
		}
	}
	if env.Steps != nil {
		if v, ok := env.Steps[root.Key]; ok {
			return navigate(v, rest)
		}
	}
	return nil, false
}

func navigate(v any, parts []Part) (any, bool) {
	for _, p := range parts {
		switch cur := v.(type) {
		case map[string]any:
			if p.IsIndex {
				return nil, false
			}
			next, ok := cur[p.Key]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			if !p.IsIndex || p.Index < 0 || p.Index >= len(cur) {
				return nil, false
			}
			v = cur[p.Index]
		default:
			return nil, false
		}
	}
	return v, true
}

// stringify renders a resolved value for string interpolation.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
