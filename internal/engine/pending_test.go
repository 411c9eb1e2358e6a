package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gantry/internal/config"
	"gantry/internal/trace"
)

func newTestState() *workflowState {
	return &workflowState{
		id:      "wf-1",
		status:  WorkflowPausedForApproval,
		outputs: make(map[string]interface{}),
		results: make(map[string]*TaskResult),
	}
}

func TestPendingParkAndTake(t *testing.T) {
	store := newPendingStore(config.PendingConfig{}, nil)
	t.Cleanup(store.close)

	id := store.park(&pendingEntry{state: newTestState(), pause: &pauseState{Type: PauseCheckpoint}})
	require.NotEmpty(t, id)
	assert.Equal(t, 1, store.len())

	entry, ok := store.take(id)
	require.True(t, ok)
	assert.Equal(t, PauseCheckpoint, entry.pause.Type)
	// The resume id is its own namespace; the workflow keeps its id.
	assert.Equal(t, "wf-1", entry.state.id)
	assert.NotEqual(t, entry.state.id, id)

	// A second take loses the race.
	_, ok = store.take(id)
	assert.False(t, ok)
}

func TestPendingExpiryAbortsWorkflow(t *testing.T) {
	ring := trace.NewRing(16)
	store := newPendingStore(config.PendingConfig{
		ApprovalTTL:   config.Duration(20 * time.Millisecond),
		DependencyTTL: config.Duration(20 * time.Millisecond),
		SweepInterval: config.Duration(5 * time.Millisecond),
	}, ring)
	t.Cleanup(store.close)

	st := newTestState()
	id := store.park(&pendingEntry{state: st, pause: &pauseState{Type: PauseDependency}})

	require.Eventually(t, func() bool {
		_, ok := store.take(id)
		return !ok && store.len() == 0
	}, time.Second, 5*time.Millisecond)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, WorkflowAborted, st.status)
	assert.Equal(t, "expired", st.reason)

	// The expiry event joins the workflow's own trace root.
	events := ring.EventsForRoot("wf-1")
	require.NotEmpty(t, events)
	assert.Equal(t, trace.StatusAborted, events[len(events)-1].Status)
}

func TestPendingRestoreKeepsEntryResumable(t *testing.T) {
	store := newPendingStore(config.PendingConfig{}, nil)
	t.Cleanup(store.close)

	id := store.park(&pendingEntry{state: newTestState(), pause: &pauseState{Type: PausePerLayer}})
	entry, ok := store.take(id)
	require.True(t, ok)

	store.restore(id, entry)
	restored, ok := store.take(id)
	require.True(t, ok)
	assert.Same(t, entry, restored)
}
