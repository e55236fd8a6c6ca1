package configdb

import (
	"errors"
	"slices"
	"strconv"
	"strings"
)

// splitValues parses the comma separated value list of a file line.
func splitValues(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []string
	for {
		s = strings.TrimLeft(s, " \t")
		var v string
		if strings.HasPrefix(s, `"`) {
			end := closingQuote(s)
			if end < 0 {
				return nil, errors.New("unterminated quoted value")
			}
			u, err := strconv.Unquote(s[:end+1])
			if err != nil {
				return nil, errors.New("bad quoted value " + s[:end+1])
			}
			v = u
			s = strings.TrimLeft(s[end+1:], " \t")
			if s != "" && s[0] != ',' {
				return nil, errors.New("unexpected text after quoted value")
			}
		} else {
			i := strings.IndexByte(s, ',')
			if i < 0 {
				v, s = strings.TrimSpace(s), ""
			} else {
				v, s = strings.TrimSpace(s[:i]), s[i:]
			}
			if v == "" {
				return nil, errors.New("empty value in list")
			}
		}
		out = append(out, v)
		if s == "" {
			return out, nil
		}
		s = s[1:]
	}
}

func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

// formatValues renders values for a file line. An empty string or list
// renders as nothing, which the parser rejects.
func formatValues(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		if needsQuote(v) {
			v = strconv.Quote(v)
		}
		quoted[i] = v
	}
	return strings.Join(quoted, ", ")
}

func needsQuote(v string) bool {
	if v == "" {
		return false
	}
	if strings.TrimSpace(v) != v {
		return true
	}
	return strings.ContainsAny(v, ",\"\\#\n\r\t")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
