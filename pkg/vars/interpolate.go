package vars

import (
	"regexp"
	"strings"
)

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolate replaces every ${...} reference in template with the resolved
// value from the store. Any unknown reference aborts the whole template with
// an InterpolationError; there is no silent empty substitution.
func (s *Store) Interpolate(template string) (string, error) {
	var firstErr error
	out := refPattern.ReplaceAllStringFunc(template, func(m string) string {
		if firstErr != nil {
			return m
		}
		ref := strings.TrimSpace(m[2 : len(m)-1])
		val, err := s.Get(ref)
		if err != nil {
			firstErr = err
			return m
		}
		return FormatValue(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// EvalCondition evaluates a step condition. Comparisons with == and != are
// supported; anything else is interpolated and tested for truthiness.
// Unknown references are hard errors, same as in command text.
func (s *Store) EvalCondition(cond string) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}
	for _, op := range []string{"!=", "=="} {
		if i := strings.Index(cond, op); i >= 0 {
			left, err := s.Interpolate(strings.TrimSpace(cond[:i]))
			if err != nil {
				return false, err
			}
			right, err := s.Interpolate(strings.TrimSpace(cond[i+len(op):]))
			if err != nil {
				return false, err
			}
			left = unquote(left)
			right = unquote(right)
			if op == "==" {
				return left == right, nil
			}
			return left != right, nil
		}
	}
	resolved, err := s.Interpolate(cond)
	if err != nil {
		return false, err
	}
	return Truthy(resolved), nil
}

// Truthy reports whether an interpolated string counts as true: empty,
// "false" and "0" are false, everything else is true.
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "null":
		return false
	default:
		return true
	}
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
