package trace

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu    sync.Mutex
	folds [][]Event
	err   error
}

func (s *captureSink) Fold(events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folds = append(s.folds, events)
	return s.err
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.folds)
}

func (s *captureSink) fold(i int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folds[i]
}

func TestFolder_FoldsCompletedRoot(t *testing.T) {
	ring := NewRing(64)
	sink := &captureSink{}
	folder := NewFolder(sink, 1)
	folder.Attach(ring)
	defer folder.Stop()

	ring.Record(Event{ID: "w1", RootID: "w1", Kind: KindExecStart})
	ring.Record(Event{ID: "t1", ParentID: "w1", RootID: "w1", Kind: KindToolCall, Target: "github:create_issue"})
	ring.Record(Event{ID: "w1", RootID: "w1", Kind: KindExecEnd, Status: StatusOK})

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	folded := sink.fold(0)
	require.Len(t, folded, 3)
	assert.Equal(t, KindExecStart, folded[0].Kind)
	assert.Equal(t, "github:create_issue", folded[1].Target)
	assert.Equal(t, KindExecEnd, folded[2].Kind)
}

func TestFolder_TaskEndDoesNotFold(t *testing.T) {
	ring := NewRing(64)
	sink := &captureSink{}
	folder := NewFolder(sink, 1)
	folder.Attach(ring)
	defer folder.Stop()

	ring.Record(Event{ID: "w1", RootID: "w1", Kind: KindExecStart})
	// a task-level exec-end is not the root's terminal event
	ring.Record(Event{ID: "t1", ParentID: "w1", RootID: "w1", Kind: KindExecEnd, Status: StatusOK})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
}

func TestFolder_IgnoresRootlessEvents(t *testing.T) {
	ring := NewRing(64)
	sink := &captureSink{}
	folder := NewFolder(sink, 1)
	folder.Attach(ring)
	defer folder.Stop()

	ring.Record(Event{ID: "stray", Kind: KindToolCall})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
}

func TestFolder_SinkErrorIsDropped(t *testing.T) {
	ring := NewRing(64)
	sink := &captureSink{err: errors.New("graph unavailable")}
	folder := NewFolder(sink, 1)
	folder.Attach(ring)
	defer folder.Stop()

	ring.Record(Event{ID: "w1", RootID: "w1", Kind: KindExecStart})
	ring.Record(Event{ID: "w1", RootID: "w1", Kind: KindExecEnd})

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// a failing sink must not wedge the folder
	ring.Record(Event{ID: "w2", RootID: "w2", Kind: KindExecStart})
	ring.Record(Event{ID: "w2", RootID: "w2", Kind: KindExecEnd})

	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestFolder_SeparatesRoots(t *testing.T) {
	ring := NewRing(64)
	sink := &captureSink{}
	folder := NewFolder(sink, 2)
	folder.Attach(ring)
	defer folder.Stop()

	ring.Record(Event{ID: "w1", RootID: "w1", Kind: KindExecStart})
	ring.Record(Event{ID: "w2", RootID: "w2", Kind: KindExecStart})
	ring.Record(Event{ID: "t1", RootID: "w2", Kind: KindToolCall})
	ring.Record(Event{ID: "w1", RootID: "w1", Kind: KindExecEnd})

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	folded := sink.fold(0)
	for _, ev := range folded {
		assert.Equal(t, "w1", ev.RootID)
	}
	require.Len(t, folded, 2)
}

func TestFingerprint_Stable(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1, "nested": map[string]interface{}{"y": true, "x": false}}
	b := map[string]interface{}{"nested": map[string]interface{}{"x": false, "y": true}, "a": 1, "b": 2}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Len(t, Fingerprint(a), 16)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(map[string]interface{}{"a": 2}))
}
