package search

import (
	"slices"
	"strings"
	"unicode"
)

// Operator defines the type of comparison for a filter.
type Operator string

const (
	OpEqual          Operator = "="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpRange          Operator = ".." // date:2025-01..2025-02
)

// prefixOps are tried in order, longest first.
var prefixOps = []Operator{OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess}

// Filter is one key:value criterion of a query.
type Filter struct {
	Key      string   // e.g. "team", "date", "status"
	Value    string   // e.g. "Amberley", "2025-01-01", "live"
	MaxValue string   // Used only for OpRange
	Operator Operator // e.g. "=", ">="
	Negate   bool     // -key:value
}

// Query is a parsed search query.
type Query struct {
	Filters  []Filter
	FreeText []string
}

// Parse parses a search query string. It understands quoted strings
// (key:"value with spaces"), key:value pairs, comparison operators and
// ranges (date:>=2025-01-01, date:2025-01..2025-03), and a leading '-' on a
// filter to negate it.
func Parse(input string) Query {
	q := Query{
		Filters:  make([]Filter, 0),
		FreeText: make([]string, 0),
	}
	for _, token := range tokenize(input) {
		if f, ok := parseFilter(token); ok {
			q.Filters = append(q.Filters, f)
		} else {
			q.FreeText = append(q.FreeText, removeQuotes(token))
		}
	}
	return q
}

func parseFilter(token string) (Filter, bool) {
	key, val, found := strings.Cut(token, ":")
	if !found {
		return Filter{}, false
	}
	var f Filter
	if strings.HasPrefix(key, "-") {
		f.Negate = true
		key = key[1:]
	}
	f.Key = strings.ToLower(strings.TrimSpace(key))
	val = strings.TrimSpace(val)
	if f.Key == "" || val == "" {
		return Filter{}, false
	}
	// An unquoted second colon is ambiguous (time:12:00).
	if strings.Contains(val, ":") && !strings.HasPrefix(val, "\"") && !strings.HasPrefix(val, "'") {
		return Filter{}, false
	}

	if lo, hi, ok := strings.Cut(val, ".."); ok {
		f.Value, f.MaxValue, f.Operator = removeQuotes(lo), removeQuotes(hi), OpRange
		return f, true
	}
	for _, op := range prefixOps {
		if rest, ok := strings.CutPrefix(val, string(op)); ok {
			f.Value, f.Operator = removeQuotes(rest), op
			return f, true
		}
	}
	f.Value, f.Operator = removeQuotes(val), OpEqual
	return f, true
}

// Lower returns a copy of q with free text and filter values lowercased,
// except for the filters whose key is in keep.
func (q Query) Lower(keep ...string) Query {
	out := Query{
		Filters:  make([]Filter, len(q.Filters)),
		FreeText: make([]string, len(q.FreeText)),
	}
	for i, t := range q.FreeText {
		out.FreeText[i] = strings.ToLower(t)
	}
	for i, f := range q.Filters {
		if !slices.Contains(keep, f.Key) {
			f.Value = strings.ToLower(f.Value)
			f.MaxValue = strings.ToLower(f.MaxValue)
		}
		out.Filters[i] = f
	}
	return out
}

// Compare reports whether v satisfies an ordered filter such as a date.
// Equality is a prefix match, so date:2025-03 matches every day of March.
// The upper bound of a range is inclusive in the same way.
func (f Filter) Compare(v string) bool {
	var ok bool
	switch f.Operator {
	case OpEqual:
		ok = strings.HasPrefix(v, f.Value)
	case OpGreater:
		ok = v > f.Value
	case OpGreaterOrEqual:
		ok = v >= f.Value
	case OpLess:
		ok = v < f.Value
	case OpLessOrEqual:
		ok = v <= f.Value
	case OpRange:
		ok = v >= f.Value && v <= f.MaxValue+"~"
	default:
		ok = true
	}
	return ok != f.Negate
}

// Contains reports whether any of values contains the filter value, with
// negation applied. The values are expected to be lowercase already.
func (f Filter) Contains(values ...string) bool {
	found := false
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), f.Value) {
			found = true
			break
		}
	}
	return found != f.Negate
}

// tokenize splits the string by spaces, respecting quotes.
func tokenize(input string) []string {
	var tokens []string
	var current strings.Builder
	var quote rune

	for _, r := range input {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			current.WriteRune(r)
		case unicode.IsSpace(r):
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		case r == '"' || r == '\'':
			quote = r
			current.WriteRune(r)
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func removeQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
