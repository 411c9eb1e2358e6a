package engine

import (
	"context"
	"sync"

	"github.com/alitto/pond/v2"

	"gantry/internal/api"
	"gantry/internal/config"
	"gantry/pkg/logging"
)

// speculator shadow-executes code tasks of the next layer while the
// current layer runs. Only side-effect-free candidates qualify: code
// tasks whose arguments reference no other task's output. Results are
// committed at dispatch time or silently discarded.
type speculator struct {
	cfg  config.SpeculationConfig
	pool pond.ResultPool[interface{}]

	mu       sync.Mutex
	inflight map[string]pond.Result[interface{}]
}

func newSpeculator(cfg config.SpeculationConfig) *speculator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = config.DefaultSpeculationThreshold
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = config.DefaultSpeculationWorkers
	}
	s := &speculator{
		cfg:      cfg,
		inflight: make(map[string]pond.Result[interface{}]),
	}
	if cfg.Enabled {
		s.pool = pond.NewResultPool[interface{}](cfg.MaxConcurrent)
	}
	return s
}

func (s *speculator) close() {
	if s.pool != nil {
		s.pool.StopAndWait()
	}
}

// prepare submits eligible tasks of the given layer for shadow execution.
func (s *speculator) prepare(st *workflowState, layer int) {
	if s.pool == nil || layer >= len(st.plan.Layers) {
		return
	}
	submitted := 0
	for _, id := range st.plan.Layers[layer] {
		if submitted >= s.cfg.MaxConcurrent {
			return
		}
		task := st.plan.Tasks[id]
		if !s.eligible(st, task) {
			continue
		}
		key := st.id + "/" + id
		s.mu.Lock()
		if _, dup := s.inflight[key]; dup {
			s.mu.Unlock()
			continue
		}
		s.inflight[key] = s.submit(task)
		s.mu.Unlock()
		submitted++
		logging.Debug("Engine", "Speculating task %s", id)
	}
}

// eligible admits code tasks with no output references whose ancestors
// the graph considers reliable enough.
func (s *speculator) eligible(st *workflowState, task *Task) bool {
	if task.Kind != KindCode || task.Guard != "" {
		return false
	}
	if len(collectReferences(task.Args)) > 0 {
		return false
	}

	graph := api.GetGraph()
	if graph == nil {
		return false
	}
	confidence := 1.0
	for _, dep := range task.DependsOn {
		ancestor, ok := st.plan.Tasks[dep]
		if !ok {
			return false
		}
		confidence *= graph.SuccessRate(ancestor.target())
	}
	return confidence > s.cfg.Threshold
}

func (s *speculator) submit(task *Task) pond.Result[interface{}] {
	return s.pool.SubmitErr(func() (interface{}, error) {
		sandbox := api.GetSandbox()
		if sandbox == nil {
			return nil, api.Errorf(api.ErrInternal, "no sandbox runtime registered")
		}
		result, err := sandbox.ExecuteCode(context.Background(), codeRequest(task, task.Args))
		if err != nil {
			return nil, err
		}
		return codeOutput(result), nil
	})
}

// commit hands a finished speculation to the dispatcher. Failures and
// still-running speculations are discarded; the task runs normally.
func (s *speculator) commit(st *workflowState, taskID string) (interface{}, bool) {
	if s.pool == nil {
		return nil, false
	}
	key := st.id + "/" + taskID
	s.mu.Lock()
	result, ok := s.inflight[key]
	if ok {
		delete(s.inflight, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	output, err := result.Wait()
	if err != nil {
		logging.Debug("Engine", "Discarding failed speculation for %s: %v", taskID, err)
		return nil, false
	}
	logging.Debug("Engine", "Committing speculation for %s", taskID)
	return output, true
}
