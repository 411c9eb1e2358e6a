package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gantry/internal/api"
)

func TestSuggestPrefersMatchingCapability(t *testing.T) {
	eng := newTestEngine(t, nil)

	reg := newFakeEngineRegistry()
	reg.capHits = []api.SearchHit{{ID: "cap_deploy", Score: 0.85}}
	reg.expansions["cap_deploy"] = &api.CapabilityExpansion{
		ID: "cap_deploy",
		Tasks: []map[string]interface{}{
			{"id": "s1", "tool": "k8s:apply"},
		},
		SuccessRate: 0.9,
	}
	api.RegisterRegistry(reg)

	suggestion, err := eng.Suggest(context.Background(), "deploy the service")
	require.NoError(t, err)

	assert.Equal(t, "capability", suggestion.Source)
	assert.Equal(t, "cap_deploy", suggestion.CapabilityID)
	assert.InDelta(t, 0.85*0.9, suggestion.Confidence, 1e-9)
	require.NotNil(t, suggestion.Workflow["tasks"])
}

func TestSuggestSynthesizesWhenNoCapabilityMatches(t *testing.T) {
	eng := newTestEngine(t, nil)

	reg := newFakeEngineRegistry()
	reg.capHits = []api.SearchHit{{ID: "cap_weak", Score: 0.3}}
	reg.toolHits = []api.SearchHit{
		{ID: "fs:read", Name: "read", Score: 0.8},
		{ID: "fs:parse", Name: "parse", Score: 0.7},
		{ID: "fs:write", Name: "write", Score: 0.6},
		{ID: "fs:unrelated", Name: "unrelated", Score: 0.1},
	}
	api.RegisterRegistry(reg)

	suggestion, err := eng.Suggest(context.Background(), "read and transform the file")
	require.NoError(t, err)

	assert.Equal(t, "synthesized", suggestion.Source)
	assert.LessOrEqual(t, suggestion.Confidence, synthesizedConfidenceCap)
	assert.Greater(t, suggestion.Confidence, 0.0)

	tasks := suggestion.Workflow["tasks"].([]interface{})
	// The chain is capped and linear.
	require.Len(t, tasks, maxSynthesizedChain)
	second := tasks[1].(map[string]interface{})
	assert.Equal(t, []interface{}{"t1"}, second["depends_on"])
}

func TestSuggestOrdersChainByDependencyEdges(t *testing.T) {
	eng := newTestEngine(t, nil)

	reg := newFakeEngineRegistry()
	reg.toolHits = []api.SearchHit{
		{ID: "a:first", Name: "first", Score: 0.9},
		{ID: "c:third", Name: "third", Score: 0.85},
		{ID: "b:second", Name: "second", Score: 0.8},
	}
	api.RegisterRegistry(reg)
	// The graph has seen second consume first's output, and third consume
	// second's.
	api.RegisterGraph(&fakeEngineGraph{weights: map[string]float64{
		"a:first->b:second": 4,
		"b:second->c:third": 3,
	}})

	suggestion, err := eng.Suggest(context.Background(), "run the pipeline")
	require.NoError(t, err)

	tasks := suggestion.Workflow["tasks"].([]interface{})
	require.Len(t, tasks, 3)
	assert.Equal(t, "a:first", tasks[0].(map[string]interface{})["tool"])
	assert.Equal(t, "b:second", tasks[1].(map[string]interface{})["tool"])
	assert.Equal(t, "c:third", tasks[2].(map[string]interface{})["tool"])
}

func TestSuggestFallsBackWhenExpansionFails(t *testing.T) {
	eng := newTestEngine(t, nil)

	reg := newFakeEngineRegistry()
	reg.capHits = []api.SearchHit{{ID: "cap_broken", Score: 0.9}}
	reg.expandErrors["cap_broken"] = api.Errorf(api.ErrDependency, "plan integrity mismatch")
	reg.toolHits = []api.SearchHit{{ID: "fs:read", Name: "read", Score: 0.5}}
	api.RegisterRegistry(reg)

	suggestion, err := eng.Suggest(context.Background(), "read something")
	require.NoError(t, err)
	assert.Equal(t, "synthesized", suggestion.Source)
}

func TestSuggestNoToolsIsDependencyError(t *testing.T) {
	eng := newTestEngine(t, nil)
	api.RegisterRegistry(newFakeEngineRegistry())

	_, err := eng.Suggest(context.Background(), "do the impossible")
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.ErrDependency))
}

func TestSuggestEmptyIntent(t *testing.T) {
	eng := newTestEngine(t, nil)
	_, err := eng.Suggest(context.Background(), "")
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.ErrValidation))
}

func TestKeywordOverlapMatchesSchemaProperties(t *testing.T) {
	prev := api.SearchHit{Name: "fetch_user", Description: "returns the user id and email"}
	cand := api.SearchHit{InputSchema: map[string]interface{}{
		"properties": map[string]interface{}{
			"user_id": map[string]interface{}{},
			"city":    map[string]interface{}{},
		},
	}}
	assert.InDelta(t, 0.1, keywordOverlap(prev, cand), 1e-9)
	assert.Zero(t, keywordOverlap(prev, api.SearchHit{}))
}
