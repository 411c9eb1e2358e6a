package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id, status string) *ExecutionRecord {
	return &ExecutionRecord{
		ExecutionID: id,
		Status:      status,
		StartedAt:   time.Now(),
		Tasks:       map[string]*TaskResult{},
	}
}

func TestHistoryAppendAndGet(t *testing.T) {
	store := NewExecutionStore(4, "")

	store.Append(record("w1", WorkflowCompleted))
	store.Append(record("w2", WorkflowFailed))

	assert.Equal(t, 2, store.Len())
	require.NotNil(t, store.Get("w1"))
	assert.Equal(t, WorkflowFailed, store.Get("w2").Status)
	assert.Nil(t, store.Get("w3"))
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	store := NewExecutionStore(3, "")
	for i := 1; i <= 5; i++ {
		store.Append(record(fmt.Sprintf("w%d", i), WorkflowCompleted))
	}

	assert.Equal(t, 3, store.Len())
	assert.Nil(t, store.Get("w1"))
	assert.Nil(t, store.Get("w2"))
	assert.NotNil(t, store.Get("w5"))
}

func TestHistoryRecentNewestFirst(t *testing.T) {
	store := NewExecutionStore(8, "")
	for i := 1; i <= 4; i++ {
		store.Append(record(fmt.Sprintf("w%d", i), WorkflowCompleted))
	}

	recent := store.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "w4", recent[0].ExecutionID)
	assert.Equal(t, "w3", recent[1].ExecutionID)

	all := store.Recent(0)
	assert.Len(t, all, 4)
}

func TestHistoryPersistsToDir(t *testing.T) {
	dir := t.TempDir()
	store := NewExecutionStore(4, dir)

	store.Append(record("w1", WorkflowCompleted))

	data, err := os.ReadFile(filepath.Join(dir, "w1.json"))
	require.NoError(t, err)

	var loaded ExecutionRecord
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, "w1", loaded.ExecutionID)
	assert.Equal(t, WorkflowCompleted, loaded.Status)
}
