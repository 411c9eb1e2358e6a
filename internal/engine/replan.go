package engine

import (
	"context"
	"fmt"
	"strings"

	"gantry/internal/api"
	"gantry/pkg/logging"
)

// Replan implements api.EngineHandler: splices new work into a paused
// workflow. Succeeded tasks and their outputs are preserved; everything
// not yet succeeded is cancelled and replaced by the new fragment, whose
// roots are anchored on the completed frontier.
func (e *Engine) Replan(ctx context.Context, workflowID, newRequirement string, planContext map[string]interface{}) (*api.CallToolResult, error) {
	if newRequirement == "" {
		return nil, api.Errorf(api.ErrValidation, "replan requires a new_requirement")
	}
	entry, ok := e.pending.take(workflowID)
	if !ok {
		return nil, unknownWorkflow(workflowID)
	}
	st := entry.state

	fragment, err := e.replanFragment(ctx, newRequirement, planContext)
	if err != nil {
		e.pending.restore(workflowID, entry)
		return nil, err
	}

	st.mu.Lock()
	st.replans++
	prefix := fmt.Sprintf("r%d_", st.replans)

	// Everything not succeeded is superseded by the new fragment.
	succeeded := make(map[string]bool)
	for _, id := range st.plan.Order {
		if res := st.results[id]; res != nil && res.Status == StatusSucceeded {
			succeeded[id] = true
			continue
		}
		st.results[id] = &TaskResult{Status: StatusCancelled, Error: "superseded by replan"}
	}
	frontier := frontierOf(st.plan, succeeded)
	kept := keptDeclarations(st.plan, succeeded)
	st.mu.Unlock()

	spliced := prefixFragment(fragment, prefix, frontier)
	merged := map[string]interface{}{"tasks": append(kept, spliced...)}

	plan, err := Compile(merged)
	if err != nil {
		e.pending.restore(workflowID, entry)
		return nil, api.WrapError(api.ErrValidation, err, "replanned workflow does not compile")
	}

	st.mu.Lock()
	st.plan = plan
	st.validated = make(map[int]bool)
	st.mu.Unlock()

	logging.Info("Engine", "Replanned workflow %s: %d kept, %d spliced", workflowID, len(kept), len(spliced))
	return e.run(ctx, st)
}

// replanFragment obtains the new tasks: an explicit fragment in the plan
// context wins, otherwise the suggester plans from the requirement. The
// fragment is validated only after the splice, against the merged plan,
// so it may reference tasks the paused workflow already completed.
func (e *Engine) replanFragment(ctx context.Context, newRequirement string, planContext map[string]interface{}) ([]map[string]interface{}, error) {
	if raw, ok := planContext["tasks"]; ok {
		return fragmentTasks(raw)
	}

	suggestion, err := e.Suggest(ctx, newRequirement)
	if err != nil {
		return nil, err
	}
	return fragmentTasks(suggestion.Workflow["tasks"])
}

func fragmentTasks(raw interface{}) ([]map[string]interface{}, error) {
	switch typed := raw.(type) {
	case []map[string]interface{}:
		return typed, nil
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(typed))
		for _, item := range typed {
			decl, ok := item.(map[string]interface{})
			if !ok {
				return nil, api.Errorf(api.ErrValidation, "replan fragment tasks must be objects")
			}
			out = append(out, decl)
		}
		return out, nil
	default:
		return nil, api.Errorf(api.ErrValidation, "replan fragment has no task list")
	}
}

// frontierOf returns the succeeded tasks no other succeeded task depends
// on. These anchor the spliced fragment.
func frontierOf(plan *Plan, succeeded map[string]bool) []string {
	depended := make(map[string]bool)
	for id := range succeeded {
		for _, dep := range plan.Tasks[id].DependsOn {
			depended[dep] = true
		}
	}
	var out []string
	for _, id := range plan.Order {
		if succeeded[id] && !depended[id] {
			out = append(out, id)
		}
	}
	return out
}

// keptDeclarations re-emits the succeeded tasks' declarations, with
// dependencies on non-succeeded tasks dropped so the merged plan stays
// acyclic and complete.
func keptDeclarations(plan *Plan, succeeded map[string]bool) []interface{} {
	decls := planTasks(plan)
	var out []interface{}
	for _, decl := range decls {
		id, _ := decl["id"].(string)
		if !succeeded[id] {
			continue
		}
		var kept []string
		for _, dep := range stringList(decl["depends_on"]) {
			if succeeded[dep] {
				kept = append(kept, dep)
			}
		}
		if len(kept) > 0 {
			decl["depends_on"] = kept
		} else {
			delete(decl, "depends_on")
		}
		out = append(out, decl)
	}
	return out
}

// prefixFragment renames the fragment's task ids with the replan prefix,
// rewrites internal dependencies and references, and anchors its roots on
// the frontier.
func prefixFragment(fragment []map[string]interface{}, prefix string, frontier []string) []interface{} {
	ids := make(map[string]bool, len(fragment))
	for _, decl := range fragment {
		if id, ok := decl["id"].(string); ok {
			ids[id] = true
		}
	}
	rename := func(id string) string {
		if ids[id] {
			return prefix + id
		}
		return id
	}

	out := make([]interface{}, 0, len(fragment))
	for _, decl := range fragment {
		spliced := make(map[string]interface{}, len(decl))
		for k, v := range decl {
			spliced[k] = v
		}
		if id, ok := spliced["id"].(string); ok {
			spliced["id"] = prefix + id
		}

		deps := stringList(spliced["depends_on"])
		for i, dep := range deps {
			deps[i] = rename(dep)
		}
		if len(deps) == 0 {
			// Fragment roots run after everything already completed.
			deps = append(deps, frontier...)
		}
		if len(deps) > 0 {
			spliced["depends_on"] = deps
		} else {
			delete(spliced, "depends_on")
		}

		if args, ok := spliced["args"].(map[string]interface{}); ok {
			spliced["args"] = rewriteRefs(args, rename).(map[string]interface{})
		}
		out = append(out, spliced)
	}
	return out
}

func stringList(v interface{}) []string {
	switch typed := v.(type) {
	case []string:
		return append([]string(nil), typed...)
	case []interface{}:
		var out []string
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// rewriteRefs renames task ids inside `$id[.path]` and `${id...}`
// references.
func rewriteRefs(v interface{}, rename func(string) string) interface{} {
	switch val := v.(type) {
	case string:
		if m := exactRefPattern.FindStringSubmatch(val); m != nil {
			return "$" + rename(m[1]) + m[2]
		}
		return embeddedRefPattern.ReplaceAllStringFunc(val, func(match string) string {
			inner := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
			id, rest := inner, ""
			if i := strings.IndexByte(inner, '.'); i >= 0 {
				id, rest = inner[:i], inner[i:]
			}
			return "${" + rename(id) + rest + "}"
		})
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = rewriteRefs(item, rename)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = rewriteRefs(item, rename)
		}
		return out
	default:
		return v
	}
}
