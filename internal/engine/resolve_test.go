package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gantry/internal/api"
)

func TestResolveExactReferenceWholeOutput(t *testing.T) {
	outputs := map[string]interface{}{
		"t1": map[string]interface{}{"count": 3.0},
	}
	resolved, err := resolveArgs(map[string]interface{}{"v": "$t1"}, outputs)
	require.NoError(t, err)
	assert.Equal(t, outputs["t1"], resolved["v"])
}

func TestResolveExactReferencePath(t *testing.T) {
	outputs := map[string]interface{}{
		"t1": map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{"name": "first"},
				map[string]interface{}{"name": "second"},
			},
		},
	}
	resolved, err := resolveArgs(map[string]interface{}{"v": "$t1.items.1.name"}, outputs)
	require.NoError(t, err)
	assert.Equal(t, "second", resolved["v"])
}

func TestResolveEmbeddedTemplate(t *testing.T) {
	outputs := map[string]interface{}{
		"a": map[string]interface{}{"host": "db1"},
		"b": map[string]interface{}{"port": 5432.0},
	}
	resolved, err := resolveArgs(map[string]interface{}{"dsn": "${a.host}:${b.port}"}, outputs)
	require.NoError(t, err)
	assert.Equal(t, "db1:5432", resolved["dsn"])
}

func TestResolveEmbeddedTemplateStringifiesObjects(t *testing.T) {
	outputs := map[string]interface{}{
		"a": map[string]interface{}{"k": "v"},
	}
	resolved, err := resolveArgs(map[string]interface{}{"s": "got ${a}"}, outputs)
	require.NoError(t, err)
	assert.Equal(t, `got {"k":"v"}`, resolved["s"])
}

func TestResolveMissingTaskFails(t *testing.T) {
	_, err := resolveArgs(map[string]interface{}{"v": "$ghost"}, map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.ErrValidation))
}

func TestResolveMissingPathFails(t *testing.T) {
	outputs := map[string]interface{}{"t1": map[string]interface{}{"a": 1.0}}
	_, err := resolveArgs(map[string]interface{}{"v": "$t1.missing.path"}, outputs)
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.ErrValidation))
}

func TestResolveLeavesPlainValuesUntouched(t *testing.T) {
	args := map[string]interface{}{
		"s":      "plain string",
		"n":      42,
		"b":      true,
		"nested": map[string]interface{}{"list": []interface{}{"x", 1.5}},
	}
	resolved, err := resolveArgs(args, nil)
	require.NoError(t, err)
	assert.Equal(t, args, resolved)
}

func TestResolveNestedStructures(t *testing.T) {
	outputs := map[string]interface{}{
		"t1": map[string]interface{}{"id": "abc"},
	}
	resolved, err := resolveArgs(map[string]interface{}{
		"filter": map[string]interface{}{
			"ids": []interface{}{"$t1.id", "static"},
		},
	}, outputs)
	require.NoError(t, err)
	filter := resolved["filter"].(map[string]interface{})
	assert.Equal(t, []interface{}{"abc", "static"}, filter["ids"])
}

func TestResolveNilArgs(t *testing.T) {
	resolved, err := resolveArgs(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, resolved)
}
