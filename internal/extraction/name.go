package extraction

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/controlcentre/section21/internal/jotform"
)

const unknownName = "Unknown"

var (
	prefixAliases = []string{"prefix"}
	firstAliases  = []string{"first", "firstname", "given"}
	lastAliases   = []string{"last", "lastname", "surname"}
)

type name struct {
	full   string
	prefix string
	first  string
	last   string
}

// structuredName assembles a name from a compound answer value. withFallbacks
// widens the accepted aliases for the unmapped scan, where "name" may carry
// the first name and a middle name is kept.
func structuredName(m map[string]any, withFallbacks bool) name {
	n := name{
		prefix: lookup(m, prefixAliases),
		first:  lookup(m, firstAliases),
		last:   lookup(m, lastAliases),
	}
	middle := ""
	if withFallbacks {
		if n.first == "" {
			n.first = lookup(m, []string{"name"})
		}
		middle = lookup(m, []string{"middle"})
	}
	n.full = joinNonEmpty(n.prefix, n.first, middle, n.last)
	return n
}

func lookup(m map[string]any, aliases []string) string {
	for _, alias := range aliases {
		for k, v := range m {
			if !strings.EqualFold(k, alias) {
				continue
			}
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// splitDisplayName splits "First Rest Of Name" on the first space.
func splitDisplayName(full string) (first, last string) {
	first, last, ok := strings.Cut(strings.TrimSpace(full), " ")
	if !ok {
		return "", ""
	}
	return first, strings.TrimSpace(last)
}

// looksLikeFullName reports whether s is two to five alphabetic words.
// Hyphens, apostrophes and periods are allowed inside words.
func looksLikeFullName(s string) bool {
	words := strings.Fields(s)
	if len(words) < 2 || len(words) > 5 {
		return false
	}
	for _, w := range words {
		letters := 0
		for _, r := range w {
			switch {
			case unicode.IsLetter(r):
				letters++
			case r == '-' || r == '\'' || r == '.':
			default:
				return false
			}
		}
		if letters == 0 {
			return false
		}
	}
	return true
}

// resolveName applies the name precedence: mapped field, name-shaped answers,
// keyword scan, then "Unknown".
func resolveName(fields []field, answers jotform.Answers, mappedID string, keywords []string) (name, error) {
	if mappedID != "" {
		if a, ok := answers[mappedID]; ok {
			n, err := mappedName(a)
			if err != nil {
				return name{}, fmt.Errorf("field %s: %w", mappedID, err)
			}
			if n.full != "" {
				return n, nil
			}
		}
	}

	for _, f := range fields {
		if pf := strings.TrimSpace(f.answer.PrettyFormat); looksLikeFullName(pf) {
			first, last := splitDisplayName(pf)
			return name{full: pf, first: first, last: last}, nil
		}
		if m, ok := f.answer.Value.(map[string]any); ok {
			n := structuredName(m, true)
			if n.first != "" || n.last != "" {
				return n, nil
			}
		}
	}

	if v, ok := matchKeywords(fields, keywords, nameValue); ok {
		return name{full: v}, nil
	}

	return name{full: unknownName}, nil
}

func mappedName(a jotform.Answer) (name, error) {
	if m, ok := a.Value.(map[string]any); ok {
		return structuredName(m, false), nil
	}
	if pf := strings.TrimSpace(a.PrettyFormat); pf != "" {
		first, last := splitDisplayName(pf)
		return name{full: pf, first: first, last: last}, nil
	}
	if a.Type == "control_fullname" {
		return name{}, fmt.Errorf("%w: name field holds %T", ErrMalformedAnswer, a.Value)
	}
	return name{full: coerce(a.Value)}, nil
}

// nameValue accepts a keyword-matched answer as a name.
func nameValue(a jotform.Answer) (string, bool) {
	switch v := a.Value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if s, ok := v[k].(string); ok {
				parts = append(parts, s)
			}
		}
		if joined := joinNonEmpty(parts...); joined != "" {
			return joined, true
		}
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s, true
		}
	}
	if pf := strings.TrimSpace(a.PrettyFormat); pf != "" {
		return pf, true
	}
	return "", false
}

func coerce(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return s
		}
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				parts = append(parts, s)
			}
		}
		return joinNonEmpty(parts...)
	default:
		return fmt.Sprint(t)
	}
}
