package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"gantry/internal/config"
	"gantry/internal/trace"
	"gantry/pkg/logging"
)

// pauseState describes why a workflow stopped and what may resume it.
type pauseState struct {
	Type         string
	CheckpointID string
	TaskID       string
	Context      map[string]interface{}
	Options      []string
}

// pendingEntry is one parked workflow.
type pendingEntry struct {
	state *workflowState
	pause *pauseState
}

// pendingStore parks paused workflows under opaque ids until they are
// resumed or expire. Resume takes an entry exclusively; two racing resumes
// see exactly one winner.
type pendingStore struct {
	cfg      config.PendingConfig
	recorder trace.Recorder
	entries  *ttlcache.Cache[string, *pendingEntry]

	stop        chan struct{}
	unsubscribe func()
}

func newPendingStore(cfg config.PendingConfig, recorder trace.Recorder) *pendingStore {
	if cfg.ApprovalTTL == 0 {
		cfg.ApprovalTTL = config.Duration(config.DefaultApprovalTTL)
	}
	if cfg.DependencyTTL == 0 {
		cfg.DependencyTTL = config.Duration(config.DefaultDependencyTTL)
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = config.Duration(config.DefaultSweepInterval)
	}
	if recorder == nil {
		recorder = trace.NopRecorder{}
	}

	s := &pendingStore{
		cfg:      cfg,
		recorder: recorder,
		entries:  ttlcache.New[string, *pendingEntry](),
		stop:     make(chan struct{}),
	}
	s.unsubscribe = s.entries.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *pendingEntry]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		s.expire(item.Key(), item.Value())
	})
	go s.sweep()
	return s
}

// park stores a paused workflow under a fresh opaque resume id. The
// workflow keeps its own id so its trace spans pauses as one root.
func (s *pendingStore) park(entry *pendingEntry) string {
	id := uuid.NewString()

	ttl := s.cfg.ApprovalTTL.Std()
	switch entry.pause.Type {
	case PauseDependency, PauseAPIKey, PauseIntegrity:
		ttl = s.cfg.DependencyTTL.Std()
	}
	s.entries.Set(id, entry, ttl)
	return id
}

// restore puts a taken entry back under the same id with a fresh TTL.
func (s *pendingStore) restore(id string, entry *pendingEntry) {
	ttl := s.cfg.ApprovalTTL.Std()
	switch entry.pause.Type {
	case PauseDependency, PauseAPIKey, PauseIntegrity:
		ttl = s.cfg.DependencyTTL.Std()
	}
	s.entries.Set(id, entry, ttl)
}

// take removes and returns an entry. The second return is false for
// unknown or expired ids and for entries another resume already took.
func (s *pendingStore) take(id string) (*pendingEntry, bool) {
	item, ok := s.entries.GetAndDelete(id)
	if !ok || item == nil {
		return nil, false
	}
	return item.Value(), true
}

// expire transitions an aged-out workflow to aborted.
func (s *pendingStore) expire(id string, entry *pendingEntry) {
	entry.state.mu.Lock()
	entry.state.status = WorkflowAborted
	entry.state.reason = "expired"
	entry.state.mu.Unlock()

	logging.Info("Engine", "Pending workflow %s expired (%s pause)", id, entry.pause.Type)
	s.recorder.Record(trace.Event{
		ID:     uuid.NewString(),
		RootID: entry.state.id,
		TS:     time.Now(),
		Kind:   trace.KindError,
		Target: "pending",
		Status: trace.StatusAborted,
	})
}

func (s *pendingStore) sweep() {
	ticker := time.NewTicker(s.cfg.SweepInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.entries.DeleteExpired()
		case <-s.stop:
			return
		}
	}
}

// len reports the number of parked workflows.
func (s *pendingStore) len() int {
	return s.entries.Len()
}

func (s *pendingStore) close() {
	close(s.stop)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}
