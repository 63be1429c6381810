// Package paths resolves dotted path expressions (e.g. "input.items.0.id")
// against arbitrary JSON-shaped values. Any missing segment yields nil;
// callers never see an error for absent data.
package paths

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Resolve reads a dotted path from a JSON-shaped value (maps, slices,
// primitives). An empty path returns the value itself. Missing segments
// return nil.
func Resolve(value interface{}, path string) interface{} {
	if path == "" {
		return value
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	result := gjson.GetBytes(raw, escape(path))
	if !result.Exists() {
		return nil
	}
	return result.Value()
}

// escape protects gjson metacharacters in plain dotted segments. The engine
// only supports literal segment names and numeric indexes, not wildcards or
// queries.
func escape(path string) string {
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		segments[i] = escapeSegment(seg)
	}
	return strings.Join(segments, ".")
}

func escapeSegment(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		switch r {
		case '*', '?', '#', '@', '\\', '|':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
