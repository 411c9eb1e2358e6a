package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gantry/internal/api"
	"gantry/pkg/logging"
)

// synthesizedConfidenceCap keeps chains built from search hits below the
// auto-execution threshold; only proven capabilities run unreviewed.
const synthesizedConfidenceCap = 0.69

const (
	capabilitySearchLimit = 5
	toolSearchLimit       = 8
	maxSynthesizedChain   = 3
)

// Suggest implements api.EngineHandler: turns an intent into a workflow
// suggestion. A sufficiently close capability match is expanded directly;
// otherwise a linear chain is synthesized from the top tool hits.
func (e *Engine) Suggest(ctx context.Context, intent string) (*api.PlanSuggestion, error) {
	if intent == "" {
		return nil, api.Errorf(api.ErrValidation, "suggest requires an intent")
	}
	reg := api.GetRegistry()
	if reg == nil {
		return nil, api.Errorf(api.ErrInternal, "no registry registered")
	}

	caps, err := reg.SearchCapabilities(ctx, api.SearchRequest{Query: intent, Limit: capabilitySearchLimit})
	if err != nil {
		logging.Warn("Engine", "Capability search failed for suggestion: %v", err)
	}
	if len(caps) > 0 && caps[0].Score >= suggestThreshold {
		if suggestion, err := e.suggestFromCapability(ctx, reg, caps[0]); err == nil {
			return suggestion, nil
		} else {
			logging.Warn("Engine", "Capability %s expansion failed, synthesizing instead: %v", caps[0].ID, err)
		}
	}

	tools, err := reg.SearchTools(ctx, api.SearchRequest{Query: intent, Limit: toolSearchLimit})
	if err != nil {
		return nil, api.WrapError(api.ErrDependency, err, "tool search failed for intent")
	}
	if len(tools) == 0 {
		return nil, api.Errorf(api.ErrDependency, "no tools match intent %q", intent)
	}
	return synthesizeChain(intent, tools), nil
}

func (e *Engine) suggestFromCapability(ctx context.Context, reg api.RegistryHandler, hit api.SearchHit) (*api.PlanSuggestion, error) {
	expansion, err := reg.ExpandCapability(ctx, hit.ID)
	if err != nil {
		return nil, err
	}
	return &api.PlanSuggestion{
		Workflow:     map[string]interface{}{"tasks": toInterfaceList(expansion.Tasks)},
		Confidence:   hit.Score * expansion.SuccessRate,
		Source:       "capability",
		CapabilityID: expansion.ID,
	}, nil
}

// synthesizeChain builds a linear workflow from the top search hits,
// ordered by observed dependency edges with a schema-keyword fallback.
func synthesizeChain(intent string, hits []api.SearchHit) *api.PlanSuggestion {
	n := len(hits)
	if n > maxSynthesizedChain {
		n = maxSynthesizedChain
	}
	chain := orderChain(hits[:n])

	tasks := make([]interface{}, len(chain))
	for i, hit := range chain {
		task := map[string]interface{}{
			"id":   fmt.Sprintf("t%d", i+1),
			"kind": KindToolCall,
			"tool": hit.ID,
		}
		if i > 0 {
			task["depends_on"] = []interface{}{fmt.Sprintf("t%d", i)}
		}
		tasks[i] = task
	}

	maxScore := hits[0].Score
	var confidence float64
	if maxScore > 0 {
		var sum float64
		for _, hit := range chain {
			sum += hit.Score / maxScore
		}
		confidence = sum / float64(len(chain))
	}
	if confidence > synthesizedConfidenceCap {
		confidence = synthesizedConfidenceCap
	}

	return &api.PlanSuggestion{
		Workflow: map[string]interface{}{
			"intent": intent,
			"tasks":  tasks,
		},
		Confidence: confidence,
		Source:     "synthesized",
	}
}

// orderChain greedily orders hits: starting from the best-scored tool,
// each step picks the remaining hit the dependency graph most often saw
// consume the previous tool's output. Without graph evidence, schema
// keyword overlap and then score decide.
func orderChain(hits []api.SearchHit) []api.SearchHit {
	if len(hits) <= 1 {
		return hits
	}
	graph := api.GetGraph()

	remaining := append([]api.SearchHit(nil), hits...)
	chain := []api.SearchHit{remaining[0]}
	remaining = remaining[1:]

	for len(remaining) > 0 {
		prev := chain[len(chain)-1]
		bestIdx, bestScore := 0, -1.0
		for i, cand := range remaining {
			score := cand.Score
			if graph != nil {
				score += 10 * graph.DependencyWeight(prev.ID, cand.ID)
			}
			score += keywordOverlap(prev, cand)
			if score > bestScore {
				bestIdx, bestScore = i, score
			}
		}
		chain = append(chain, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return chain
}

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

// keywordOverlap counts candidate input schema property names that occur
// in the previous tool's name or description, scaled small so it only
// breaks ties against real graph evidence.
func keywordOverlap(prev, cand api.SearchHit) float64 {
	props, ok := cand.InputSchema["properties"].(map[string]interface{})
	if !ok || len(props) == 0 {
		return 0
	}
	prevWords := map[string]bool{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(prev.Name+" "+prev.Description), -1) {
		prevWords[w] = true
	}
	var overlap float64
	for name := range props {
		for _, w := range wordPattern.FindAllString(strings.ToLower(name), -1) {
			if prevWords[w] {
				overlap += 0.1
				break
			}
		}
	}
	return overlap
}
