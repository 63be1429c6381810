package paths

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	doc := map[string]interface{}{
		"text": "hi",
		"nested": map[string]interface{}{
			"value": float64(3),
			"deep":  map[string]interface{}{"leaf": true},
		},
		"items": []interface{}{"a", "b", "c"},
	}

	tests := []struct {
		name string
		path string
		want interface{}
	}{
		{"top level", "text", "hi"},
		{"nested", "nested.value", float64(3)},
		{"deep", "nested.deep.leaf", true},
		{"array index", "items.1", "b"},
		{"whole array", "items", []interface{}{"a", "b", "c"}},
		{"missing key", "absent", nil},
		{"missing nested", "nested.absent.leaf", nil},
		{"index out of range", "items.9", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(doc, tt.path))
		})
	}
}

func TestResolveEmptyPathReturnsValue(t *testing.T) {
	doc := map[string]interface{}{"a": float64(1)}
	assert.Equal(t, doc, Resolve(doc, ""))
}

func TestResolveNonObjectRoot(t *testing.T) {
	assert.Nil(t, Resolve("just a string", "field"))
	assert.Equal(t, "x", Resolve([]interface{}{"x"}, "0"))
}

func TestResolveSegmentWithMetachars(t *testing.T) {
	doc := map[string]interface{}{"a*b": "v"}
	assert.Equal(t, "v", Resolve(doc, "a*b"))
}
