// Package rowshape normalizes the legacy encodings of table row data into one
// canonical row list. Older records stored rows as a bare array, as an array
// under a "rows" key, as an array under a "data" key, or as a doubly nested
// wrapper; every consumer goes through Detect so no downstream code ever
// branches on shape.
package rowshape

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Row is one key→value mapping.
type Row = map[string]interface{}

// Normalized is the canonical representation every legacy shape reduces to.
type Normalized struct {
	Columns []string
	Rows    []Row
}

// ErrUnrecognized reports input that matched none of the known shapes. Fan-out
// fails fast on this rather than fabricating rows.
type ErrUnrecognized struct {
	Detail string
}

func (e *ErrUnrecognized) Error() string {
	return fmt.Sprintf("unrecognized table row shape: %s", e.Detail)
}

// Detect tries the known legacy shapes in fixed precedence order and
// normalizes the first match:
//
//  1. bare array of objects
//  2. {"rows": [...]}
//  3. {"data": [...]}
//  4. {"table": {"rows": [...]}}
//
// Precedence matters: a wrapper object with both "rows" and "data" keys must
// resolve the same way every time.
func Detect(raw interface{}) (*Normalized, error) {
	if raw == nil {
		return nil, &ErrUnrecognized{Detail: "nil input"}
	}

	if arr, ok := asRowList(raw); ok {
		return normalize(arr)
	}

	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &ErrUnrecognized{Detail: fmt.Sprintf("top-level %T is neither array nor object", raw)}
	}

	for _, key := range []string{"rows", "data"} {
		if inner, present := obj[key]; present {
			if arr, ok := asRowList(inner); ok {
				return normalize(arr)
			}
			return nil, &ErrUnrecognized{Detail: fmt.Sprintf("%q key does not hold an array of objects", key)}
		}
	}

	if table, present := obj["table"]; present {
		if nested, ok := table.(map[string]interface{}); ok {
			if inner, present := nested["rows"]; present {
				if arr, ok := asRowList(inner); ok {
					return normalize(arr)
				}
			}
		}
		return nil, &ErrUnrecognized{Detail: `"table" wrapper does not hold a rows array`}
	}

	return nil, &ErrUnrecognized{Detail: "object has no rows, data, or table key"}
}

// DetectJSON decodes raw JSON and normalizes it.
func DetectJSON(data []byte) (*Normalized, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ErrUnrecognized{Detail: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return Detect(raw)
}

func asRowList(v interface{}) ([]Row, bool) {
	switch arr := v.(type) {
	case []Row:
		return arr, true
	case []interface{}:
		rows := make([]Row, 0, len(arr))
		for _, el := range arr {
			obj, ok := el.(map[string]interface{})
			if !ok {
				return nil, false
			}
			rows = append(rows, obj)
		}
		return rows, true
	default:
		return nil, false
	}
}

func normalize(rows []Row) (*Normalized, error) {
	seen := make(map[string]struct{})
	columns := make([]string, 0)
	for _, row := range rows {
		for k := range row {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)
	return &Normalized{Columns: columns, Rows: rows}, nil
}
