package trace

import (
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jellydator/ttlcache/v3"

	"gantry/pkg/logging"
)

// Sink consumes completed root traces. The graph engine implements this.
type Sink interface {
	Fold(events []Event) error
}

// bufferTTL bounds how long a root's events are held while waiting for its
// exec-end. Roots that never terminate (crash, dropped events) age out.
const bufferTTL = time.Hour

// maxRootEvents caps the per-root buffer. Extra events beyond the cap are
// dropped; a truncated trace still folds.
const maxRootEvents = 4096

// Folder watches a Ring for terminal workflow events and folds each
// completed trace into the sink on a bounded worker pool. Fold failures are
// logged and dropped; tracing never fails a caller.
type Folder struct {
	sink Sink
	pool pond.Pool

	buffers *ttlcache.Cache[string, []Event]

	mu          sync.Mutex
	unsubscribe func()
	done        chan struct{}
}

// NewFolder creates a folder feeding sink with up to workers concurrent
// folds. Non-positive workers defaults to 2.
func NewFolder(sink Sink, workers int) *Folder {
	if workers <= 0 {
		workers = 2
	}

	buffers := ttlcache.New[string, []Event](
		ttlcache.WithTTL[string, []Event](bufferTTL),
	)
	go buffers.Start()

	return &Folder{
		sink:    sink,
		pool:    pond.NewPool(workers, pond.WithQueueSize(64)),
		buffers: buffers,
	}
}

// Attach subscribes to the ring and starts consuming. Attach may be called
// once per folder.
func (f *Folder) Attach(ring *Ring) {
	ch, unsubscribe := ring.Subscribe()

	f.mu.Lock()
	f.unsubscribe = unsubscribe
	f.done = make(chan struct{})
	f.mu.Unlock()

	go f.consume(ch)
}

func (f *Folder) consume(ch <-chan Event) {
	defer close(f.done)
	for ev := range ch {
		f.handle(ev)
	}
}

func (f *Folder) handle(ev Event) {
	if ev.RootID == "" {
		return
	}

	var events []Event
	if item := f.buffers.Get(ev.RootID); item != nil {
		events = item.Value()
	}
	if len(events) < maxRootEvents {
		events = append(events, ev)
		f.buffers.Set(ev.RootID, events, ttlcache.DefaultTTL)
	}

	// The root's own exec-end terminates the trace.
	if ev.Kind != KindExecEnd || ev.ID != ev.RootID {
		return
	}

	f.buffers.Delete(ev.RootID)
	rootID := ev.RootID
	f.pool.Submit(func() {
		if err := f.sink.Fold(events); err != nil {
			logging.Warn("Trace", "Dropping trace fold for %s: %v", rootID, err)
		}
	})
}

// Stop unsubscribes, waits for in-flight folds, and releases resources.
func (f *Folder) Stop() {
	f.mu.Lock()
	unsubscribe := f.unsubscribe
	done := f.done
	f.unsubscribe = nil
	f.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		<-done
	}
	f.pool.StopAndWait()
	f.buffers.Stop()
}
