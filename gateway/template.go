package gateway

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_][A-Za-z0-9_.\[\]]*)\s*\}\}`)

// ExpandTemplate substitutes {{Name}} and dotted-path {{a.b.c}} placeholders
// from vars. Paths descend into nested maps and JSON arrays (numeric segments,
// written either dotted or bracketed: {{items.0.name}} and {{items[0].name}}
// are equivalent). A placeholder that resolves to nothing is left untouched so
// misconfigured templates stay visible instead of silently emitting blanks.
func ExpandTemplate(template string, vars map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		if val, ok := lookupPath(vars, normalizePath(path)); ok {
			return stringify(val)
		}
		return match
	})
}

// normalizePath rewrites bracket indexes as dotted segments: a[0].b -> a.0.b.
func normalizePath(path string) string {
	if !strings.ContainsRune(path, '[') {
		return path
	}
	path = strings.ReplaceAll(path, "[", ".")
	return strings.ReplaceAll(path, "]", "")
}

func lookupPath(vars map[string]any, path string) (any, bool) {
	var current any = vars
	start := 0
	for start <= len(path) {
		end := start
		for end < len(path) && path[end] != '.' {
			end++
		}
		seg := path[start:end]
		switch node := current.(type) {
		case map[string]any:
			val, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
		if end == len(path) {
			return current, true
		}
		start = end + 1
	}
	return nil, false
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// JSON numbers decode as float64; render integers without the decimal.
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
