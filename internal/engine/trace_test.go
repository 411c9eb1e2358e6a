package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gantry/internal/api"
	"gantry/internal/config"
	"gantry/internal/trace"
)

// captureSink hands folded traces to the test.
type captureSink struct {
	folded chan []trace.Event
}

func (s *captureSink) Fold(events []trace.Event) error {
	s.folded <- events
	return nil
}

func TestExecutionEmitsTraceTree(t *testing.T) {
	api.ResetForTesting()
	t.Cleanup(api.ResetForTesting)

	upstream := newFakeUpstream()
	upstream.returns("mock:read", map[string]interface{}{"v": "x"})
	upstream.returns("mock:write", "done")
	api.RegisterUpstream(upstream)

	ring := trace.NewRing(64)
	eng := New(testEngineConfig(), config.SpeculationConfig{}, ring)
	t.Cleanup(eng.Close)

	result, err := eng.Execute(context.Background(), api.ExecuteDAGRequest{
		Workflow: map[string]interface{}{
			"tasks": []interface{}{
				map[string]interface{}{"id": "r", "tool": "mock:read"},
				map[string]interface{}{
					"id":         "w",
					"tool":       "mock:write",
					"depends_on": []interface{}{"r"},
					"args":       map[string]interface{}{"content": "$r.v"},
				},
			},
		},
	})
	require.NoError(t, err)
	workflowID := decodeResult(t, result)["workflow_id"].(string)

	events := ring.EventsForRoot(workflowID)
	require.NotEmpty(t, events)

	// The execution is bracketed by exec-start and exec-end whose ids equal
	// the root id.
	assert.Equal(t, trace.KindExecStart, events[0].Kind)
	assert.Equal(t, workflowID, events[0].ID)
	last := events[len(events)-1]
	assert.Equal(t, trace.KindExecEnd, last.Kind)
	assert.Equal(t, workflowID, last.ID)
	assert.Equal(t, trace.StatusOK, last.Status)

	var writeEvent *trace.Event
	for i := range events {
		if events[i].Kind == trace.KindToolCall && events[i].Target == "mock:write" {
			writeEvent = &events[i]
		}
	}
	require.NotNil(t, writeEvent)
	// The consuming task names the producer's target, with payload
	// fingerprints but no payloads.
	assert.Equal(t, []string{"mock:read"}, writeEvent.Consumes)
	assert.NotEmpty(t, writeEvent.InputFP)
	assert.NotEmpty(t, writeEvent.OutputFP)
}

func TestPausedWorkflowFoldsAsOneTraceRoot(t *testing.T) {
	api.ResetForTesting()
	t.Cleanup(api.ResetForTesting)

	upstream := newFakeUpstream()
	upstream.returns("mock:read", map[string]interface{}{"v": "x"})
	upstream.returns("mock:write", "done")
	api.RegisterUpstream(upstream)

	ring := trace.NewRing(64)
	sink := &captureSink{folded: make(chan []trace.Event, 1)}
	folder := trace.NewFolder(sink, 1)
	folder.Attach(ring)
	t.Cleanup(folder.Stop)

	eng := New(testEngineConfig(), config.SpeculationConfig{}, ring)
	t.Cleanup(eng.Close)

	result, err := eng.Execute(context.Background(), api.ExecuteDAGRequest{
		Workflow: map[string]interface{}{
			"tasks": []interface{}{
				map[string]interface{}{"id": "r", "tool": "mock:read"},
				map[string]interface{}{"id": "c", "kind": "checkpoint", "prompt": "confirm", "depends_on": []interface{}{"r"}},
				map[string]interface{}{"id": "w", "tool": "mock:write", "depends_on": []interface{}{"c"}},
			},
		},
	})
	require.NoError(t, err)
	paused := decodeResult(t, result)
	require.Equal(t, "approval_required", paused["status"])

	resumed, err := eng.ApprovalResponse(context.Background(), api.ApprovalResponseRequest{
		WorkflowID: paused["workflow_id"].(string),
		Approved:   true,
	})
	require.NoError(t, err)
	payload := decodeResult(t, resumed)
	require.Equal(t, "completed", payload["status"])
	workflowID := payload["workflow_id"].(string)

	var events []trace.Event
	select {
	case events = <-sink.folded:
	case <-time.After(2 * time.Second):
		t.Fatal("trace never folded")
	}

	targets := make(map[string]bool)
	for _, ev := range events {
		assert.Equal(t, workflowID, ev.RootID, "one execution folds under one root")
		if ev.Kind == trace.KindToolCall {
			targets[ev.Target] = true
		}
	}
	assert.True(t, targets["mock:read"], "the task run before the pause is part of the folded trace")
	assert.True(t, targets["mock:write"])
}

func TestFailedTaskEmitsErrorStatus(t *testing.T) {
	api.ResetForTesting()
	t.Cleanup(api.ResetForTesting)

	upstream := newFakeUpstream()
	upstream.on("mock:bad", func(map[string]interface{}) (interface{}, error) {
		return nil, api.Errorf(api.ErrValidation, "nope")
	})
	api.RegisterUpstream(upstream)

	ring := trace.NewRing(64)
	eng := New(testEngineConfig(), config.SpeculationConfig{}, ring)
	t.Cleanup(eng.Close)

	result, err := eng.Execute(context.Background(), api.ExecuteDAGRequest{
		Workflow: map[string]interface{}{
			"tasks": []interface{}{
				map[string]interface{}{"id": "b", "tool": "mock:bad"},
			},
		},
	})
	require.NoError(t, err)
	workflowID := decodeResult(t, result)["workflow_id"].(string)

	events := ring.EventsForRoot(workflowID)
	var sawError, sawEnd bool
	for _, ev := range events {
		if ev.Kind == trace.KindToolCall && ev.Status == trace.StatusError {
			sawError = true
		}
		if ev.Kind == trace.KindExecEnd {
			sawEnd = true
			assert.Equal(t, trace.StatusError, ev.Status)
		}
	}
	assert.True(t, sawError)
	assert.True(t, sawEnd)
}
