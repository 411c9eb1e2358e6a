package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gantry/internal/api"
)

func workflowOf(tasks ...map[string]interface{}) map[string]interface{} {
	list := make([]interface{}, len(tasks))
	for i, t := range tasks {
		list[i] = t
	}
	return map[string]interface{}{"tasks": list}
}

func TestCompileLayersByDependencies(t *testing.T) {
	plan, err := Compile(workflowOf(
		map[string]interface{}{"id": "d", "tool": "m:d", "depends_on": []interface{}{"b", "c"}},
		map[string]interface{}{"id": "a", "tool": "m:a"},
		map[string]interface{}{"id": "b", "tool": "m:b", "depends_on": []interface{}{"a"}},
		map[string]interface{}{"id": "c", "tool": "m:c", "depends_on": []interface{}{"a"}},
	))
	require.NoError(t, err)

	require.Len(t, plan.Layers, 3)
	assert.Equal(t, []string{"a"}, plan.Layers[0])
	assert.Equal(t, []string{"b", "c"}, plan.Layers[1])
	assert.Equal(t, []string{"d"}, plan.Layers[2])
}

func TestCompileEmptyWorkflow(t *testing.T) {
	plan, err := Compile(map[string]interface{}{})
	require.NoError(t, err)
	assert.Empty(t, plan.Layers)

	plan, err = Compile(map[string]interface{}{"tasks": []interface{}{}})
	require.NoError(t, err)
	assert.Empty(t, plan.Layers)
}

func TestCompileRejectsCycle(t *testing.T) {
	_, err := Compile(workflowOf(
		map[string]interface{}{"id": "a", "tool": "m:a", "depends_on": []interface{}{"b"}},
		map[string]interface{}{"id": "b", "tool": "m:b", "depends_on": []interface{}{"a"}},
	))
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.ErrValidation))
	assert.Contains(t, err.Error(), "cycle")
	assert.Contains(t, err.Error(), "a, b")
}

func TestCompileRejectsDuplicateIDs(t *testing.T) {
	_, err := Compile(workflowOf(
		map[string]interface{}{"id": "a", "tool": "m:a"},
		map[string]interface{}{"id": "a", "tool": "m:b"},
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestCompileRejectsMissingTarget(t *testing.T) {
	_, err := Compile(workflowOf(map[string]interface{}{"id": "a"}))
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.ErrValidation))

	_, err = Compile(workflowOf(map[string]interface{}{"id": "a", "kind": "code"}))
	require.Error(t, err)

	_, err = Compile(workflowOf(map[string]interface{}{"id": "a", "kind": "capability"}))
	require.Error(t, err)
}

func TestCompileRejectsUndeclaredDependency(t *testing.T) {
	_, err := Compile(workflowOf(
		map[string]interface{}{"id": "a", "tool": "m:a", "depends_on": []interface{}{"ghost"}},
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared")
}

func TestCompileRejectsSelfDependency(t *testing.T) {
	_, err := Compile(workflowOf(
		map[string]interface{}{"id": "a", "tool": "m:a", "depends_on": []interface{}{"a"}},
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "itself")
}

func TestCompileRejectsReferenceOutsideDependencyClosure(t *testing.T) {
	// b references a without depending on it.
	_, err := Compile(workflowOf(
		map[string]interface{}{"id": "a", "tool": "m:a"},
		map[string]interface{}{"id": "b", "tool": "m:b", "args": map[string]interface{}{"v": "$a.out"}},
	))
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.ErrValidation))
	assert.Contains(t, err.Error(), "transitive")
}

func TestCompileAcceptsTransitiveReference(t *testing.T) {
	_, err := Compile(workflowOf(
		map[string]interface{}{"id": "a", "tool": "m:a"},
		map[string]interface{}{"id": "b", "tool": "m:b", "depends_on": []interface{}{"a"}},
		map[string]interface{}{"id": "c", "tool": "m:c", "depends_on": []interface{}{"b"},
			"args": map[string]interface{}{"v": "${a.out}"}},
	))
	require.NoError(t, err)
}

func TestCollectReferencesFindsBothForms(t *testing.T) {
	refs := collectReferences(map[string]interface{}{
		"exact":    "$t1.result.items",
		"embedded": "prefix ${t2.v} and ${t3}",
		"nested":   []interface{}{map[string]interface{}{"deep": "$t4"}},
		"plain":    "no refs here",
	})
	assert.ElementsMatch(t, []string{"t1", "t2", "t3", "t4"}, refs)
}

func TestPlanLeaves(t *testing.T) {
	plan, err := Compile(workflowOf(
		map[string]interface{}{"id": "a", "tool": "m:a"},
		map[string]interface{}{"id": "b", "tool": "m:b", "depends_on": []interface{}{"a"}},
		map[string]interface{}{"id": "c", "tool": "m:c", "depends_on": []interface{}{"a"}},
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, plan.leaves())
}

func TestPlanDependents(t *testing.T) {
	plan, err := Compile(workflowOf(
		map[string]interface{}{"id": "a", "tool": "m:a"},
		map[string]interface{}{"id": "b", "tool": "m:b", "depends_on": []interface{}{"a"}},
		map[string]interface{}{"id": "c", "tool": "m:c", "depends_on": []interface{}{"b"}},
		map[string]interface{}{"id": "d", "tool": "m:d"},
	))
	require.NoError(t, err)

	deps := plan.dependents("a")
	assert.True(t, deps["b"])
	assert.True(t, deps["c"])
	assert.False(t, deps["d"])
	assert.False(t, deps["a"])
}
