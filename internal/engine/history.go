package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gantry/pkg/logging"
)

const defaultHistoryCapacity = 256

// ExecutionRecord is the stored summary of one terminal workflow.
type ExecutionRecord struct {
	ExecutionID string                 `json:"execution_id"`
	Intent      string                 `json:"intent,omitempty"`
	Status      string                 `json:"status"`
	Tasks       map[string]*TaskResult `json:"tasks"`
	StartedAt   time.Time              `json:"started_at"`
	Duration    time.Duration          `json:"duration"`
}

// ExecutionStore keeps recent execution records in a fixed-size ring, and
// optionally persists each record as a JSON file.
type ExecutionStore struct {
	mu       sync.RWMutex
	records  []*ExecutionRecord
	capacity int
	next     int
	full     bool
	dir      string
}

// NewExecutionStore builds a store. An empty dir keeps history in memory
// only.
func NewExecutionStore(capacity int, dir string) *ExecutionStore {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logging.Warn("Engine", "History dir %s unavailable, keeping history in memory: %v", dir, err)
			dir = ""
		}
	}
	return &ExecutionStore{
		records:  make([]*ExecutionRecord, capacity),
		capacity: capacity,
		dir:      dir,
	}
}

// Append records one terminal execution.
func (s *ExecutionStore) Append(record *ExecutionRecord) {
	s.mu.Lock()
	s.records[s.next] = record
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()

	if s.dir != "" {
		s.persist(record)
	}
}

func (s *ExecutionStore) persist(record *ExecutionRecord) {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		logging.Warn("Engine", "Failed to encode history record %s: %v", record.ExecutionID, err)
		return
	}
	path := filepath.Join(s.dir, record.ExecutionID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logging.Warn("Engine", "Failed to write history record %s: %v", record.ExecutionID, err)
	}
}

// Get returns the record for an execution id, nil when unknown or evicted.
func (s *ExecutionStore) Get(id string) *ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r != nil && r.ExecutionID == id {
			return r
		}
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *ExecutionStore) Recent(n int) []*ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = s.capacity
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]*ExecutionRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + s.capacity) % s.capacity
		if r := s.records[idx]; r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Len reports how many records are held.
func (s *ExecutionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return s.capacity
	}
	return s.next
}
