package registry

import (
	"context"
	"sort"
	"strings"
	"time"

	"gantry/internal/api"
	"gantry/internal/trace"
	"gantry/internal/vecstore"
	"gantry/pkg/logging"
)

// successRateDecay is the EMA coefficient for capability success rates:
// rate = decay*old + (1-decay)*outcome.
const successRateDecay = 0.9

// UpsertCapability records a learned capability or updates the statistics
// of an already-known one. Identity is derived from the intent and the
// normalized plan, so re-observing the same workflow folds into one entry.
func (r *Registry) UpsertCapability(ctx context.Context, up api.CapabilityUpsert) (string, error) {
	if up.Intent == "" {
		return "", api.Errorf(api.ErrValidation, "capability intent must not be empty")
	}
	if len(up.Tasks) == 0 {
		return "", api.Errorf(api.ErrValidation, "capability plan must not be empty")
	}

	plan := deepCopyTasks(up.Tasks)
	planHash := trace.Fingerprint(plan)
	id := "cap-" + trace.Fingerprint(up.Intent+"\n"+planHash)

	outcome := 0.0
	if up.Success {
		outcome = 1.0
	}

	r.writeMu.Lock()
	next := r.snap.Load().clone()

	c, existed := next.capabilities[id]
	if existed {
		c.SuccessRate = successRateDecay*c.SuccessRate + (1-successRateDecay)*outcome
	} else {
		c = Capability{
			ID:          id,
			Intent:      up.Intent,
			Plan:        plan,
			PlanHash:    planHash,
			SuccessRate: successRateDecay + (1-successRateDecay)*outcome,
		}
	}
	c.UpdatedAt = time.Now()
	next.capabilities[id] = c
	r.snap.Store(next)
	r.writeMu.Unlock()

	if !existed {
		r.embedEntity(vecstore.CollectionCapabilities, id, planHash,
			capabilityDocument(c), map[string]string{"intent": c.Intent})
		if g := api.GetGraph(); g != nil {
			g.RecordCapability(id, planToolIDs(plan))
		}
		logging.Info("Registry", "Learned capability %s for intent %q (%d tasks)", id, up.Intent, len(plan))
	}
	return id, nil
}

// ExpandCapability returns a deep copy of the capability's stored plan for
// engine submission and bumps its reuse counter. The stored plan hash is
// verified first; a mismatch means the persisted plan was altered behind
// the gateway's back and must be re-approved, not silently executed.
func (r *Registry) ExpandCapability(ctx context.Context, id string) (*api.CapabilityExpansion, error) {
	c, ok := r.Capability(id)
	if !ok {
		return nil, api.Errorf(api.ErrDependency, "unknown capability: %s", id).
			WithDetail("approval_type", "dependency").
			WithDetail("capability_id", id)
	}
	if got := trace.Fingerprint(c.Plan); got != c.PlanHash {
		return nil, api.Errorf(api.ErrDependency, "capability %s failed integrity check", id).
			WithDetail("approval_type", "integrity").
			WithDetail("capability_id", id).
			WithDetail("expected_hash", c.PlanHash).
			WithDetail("actual_hash", got)
	}

	r.writeMu.Lock()
	next := r.snap.Load().clone()
	if cur, ok := next.capabilities[id]; ok {
		cur.ReuseCount++
		next.capabilities[id] = cur
	}
	r.snap.Store(next)
	r.writeMu.Unlock()

	if g := api.GetGraph(); g != nil {
		g.RecordCapability(id, planToolIDs(c.Plan))
	}

	return &api.CapabilityExpansion{
		ID:          id,
		Intent:      c.Intent,
		Tasks:       deepCopyTasks(c.Plan),
		SuccessRate: c.SuccessRate,
	}, nil
}

// capabilityDocument builds the indexable text for a capability: its
// intent plus the tools its plan touches.
func capabilityDocument(c Capability) string {
	parts := append([]string{c.Intent}, planToolIDs(c.Plan)...)
	return strings.Join(parts, " ")
}

// planToolIDs extracts the distinct tool targets of a plan fragment,
// sorted for stable hashing and graph edges.
func planToolIDs(plan []map[string]interface{}) []string {
	seen := map[string]struct{}{}
	for _, task := range plan {
		tool, _ := task["tool"].(string)
		if tool == "" {
			continue
		}
		seen[tool] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for tool := range seen {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

func deepCopyTasks(tasks []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, len(tasks))
	for i, task := range tasks {
		out[i] = deepCopyMap(task)
	}
	return out
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyMap(item)
		}
		return out
	default:
		return val
	}
}
