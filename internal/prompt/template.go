// Package prompt renders task prompts from a node's template and one parent
// table row. Placeholders use {{column}} syntax; columns absent from the row
// substitute to the empty string so a sparse row never aborts fan-out.
package prompt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render substitutes every {{column}} placeholder in template with the
// stringified value of that column from row.
func Render(template string, row map[string]interface{}) string {
	if row == nil {
		row = map[string]interface{}{}
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.TrimSpace(placeholderRe.FindStringSubmatch(match)[1])
		val, ok := row[key]
		if !ok || val == nil {
			return ""
		}
		return Stringify(val)
	})
}

// Placeholders returns the distinct placeholder names in template, in order
// of first appearance.
func Placeholders(template string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		key := strings.TrimSpace(m[1])
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// Stringify converts a row value to its prompt representation. JSON numbers
// arrive as float64; integral values render without a trailing ".0".
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
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
