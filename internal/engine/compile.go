package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"gantry/internal/api"
)

// Plan is a compiled workflow: validated tasks plus their Kahn layers.
// Plans are immutable after compilation.
type Plan struct {
	Tasks  map[string]*Task
	Order  []string
	Layers [][]string

	// schemas holds the compiled input schema per tool_call task, when the
	// descriptor carries one.
	schemas map[string]*jsonschema.Schema
}

var (
	// $tid or $tid.dot.path, as the entire string.
	exactRefPattern = regexp.MustCompile(`^\$([A-Za-z0-9_][A-Za-z0-9_-]*)((?:\.[^\s]+)?)$`)

	// ${tid...} embedded in a larger string.
	embeddedRefPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_][A-Za-z0-9_-]*)(?:\.[^}]*)?\}`)
)

var validKinds = map[string]bool{
	KindToolCall:   true,
	KindCode:       true,
	KindCapability: true,
	KindDAG:        true,
	KindCheckpoint: true,
}

// Compile validates a workflow document and produces its layered plan. An
// empty task list compiles to zero layers.
func Compile(workflow map[string]interface{}) (*Plan, error) {
	tasks, order, err := decodeTasks(workflow)
	if err != nil {
		return nil, err
	}

	for _, id := range order {
		if err := validateTask(tasks, tasks[id]); err != nil {
			return nil, err
		}
	}
	for _, id := range order {
		if err := validateReferences(tasks, tasks[id]); err != nil {
			return nil, err
		}
	}

	layers, err := layerTasks(tasks, order)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Tasks:   tasks,
		Order:   order,
		Layers:  layers,
		schemas: compileSchemas(tasks),
	}, nil
}

func decodeTasks(workflow map[string]interface{}) (map[string]*Task, []string, error) {
	raw, ok := workflow["tasks"]
	if !ok || raw == nil {
		return map[string]*Task{}, nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		// Already-typed fragments (capability expansions) arrive this way.
		if typed, isTyped := raw.([]map[string]interface{}); isTyped {
			list = make([]interface{}, len(typed))
			for i, m := range typed {
				list[i] = m
			}
		} else {
			return nil, nil, api.Errorf(api.ErrValidation, "workflow tasks must be a list")
		}
	}

	tasks := make(map[string]*Task, len(list))
	order := make([]string, 0, len(list))
	for i, item := range list {
		var task Task
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &task,
			TagName: "mapstructure",
		})
		if err != nil {
			return nil, nil, api.WrapError(api.ErrInternal, err, "failed to build task decoder")
		}
		if err := decoder.Decode(item); err != nil {
			return nil, nil, api.WrapError(api.ErrValidation, err, "malformed task at index %d", i)
		}
		if task.ID == "" {
			return nil, nil, api.Errorf(api.ErrValidation, "task at index %d has no id", i)
		}
		if _, dup := tasks[task.ID]; dup {
			return nil, nil, api.Errorf(api.ErrValidation, "duplicate task id: %s", task.ID)
		}
		tasks[task.ID] = &task
		order = append(order, task.ID)
	}
	return tasks, order, nil
}

func validateTask(tasks map[string]*Task, t *Task) error {
	if t.Kind == "" {
		t.Kind = KindToolCall
	}
	if !validKinds[t.Kind] {
		return api.Errorf(api.ErrValidation, "task %s has unknown kind %q", t.ID, t.Kind)
	}
	switch t.Kind {
	case KindToolCall:
		if t.Tool == "" {
			return api.Errorf(api.ErrValidation, "task %s: tool_call requires a tool", t.ID)
		}
	case KindCode:
		if t.Code == "" {
			return api.Errorf(api.ErrValidation, "task %s: code task requires code", t.ID)
		}
	case KindCapability:
		if t.Capability == "" {
			return api.Errorf(api.ErrValidation, "task %s: capability task requires a capability id", t.ID)
		}
	case KindDAG:
		if len(t.Tasks) == 0 {
			return api.Errorf(api.ErrValidation, "task %s: dag task requires nested tasks", t.ID)
		}
	}

	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return api.Errorf(api.ErrValidation, "task %s depends on itself", t.ID)
		}
		if _, ok := tasks[dep]; !ok {
			return api.Errorf(api.ErrValidation, "task %s depends on undeclared task %q", t.ID, dep)
		}
	}
	return nil
}

// validateReferences checks that every output reference in a task's args
// names a task inside its transitive dependency closure.
func validateReferences(tasks map[string]*Task, t *Task) error {
	closure := dependencyClosure(tasks, t.ID)
	for _, ref := range collectReferences(t.Args) {
		if !closure[ref] {
			return api.Errorf(api.ErrValidation,
				"task %s references $%s which is not among its transitive dependencies", t.ID, ref)
		}
	}
	return nil
}

// dependencyClosure returns the transitive depends_on set of a task.
func dependencyClosure(tasks map[string]*Task, id string) map[string]bool {
	closure := make(map[string]bool)
	var visit func(string)
	visit = func(cur string) {
		t, ok := tasks[cur]
		if !ok {
			return
		}
		for _, dep := range t.DependsOn {
			if !closure[dep] {
				closure[dep] = true
				visit(dep)
			}
		}
	}
	visit(id)
	return closure
}

// collectReferences walks an argument tree and returns every referenced
// task id, from both exact `$tid[.path]` strings and embedded `${tid...}`
// templates.
func collectReferences(v interface{}) []string {
	var refs []string
	var walk func(interface{})
	walk = func(node interface{}) {
		switch val := node.(type) {
		case string:
			if m := exactRefPattern.FindStringSubmatch(val); m != nil {
				refs = append(refs, m[1])
				return
			}
			for _, m := range embeddedRefPattern.FindAllStringSubmatch(val, -1) {
				refs = append(refs, m[1])
			}
		case map[string]interface{}:
			for _, item := range val {
				walk(item)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(v)
	return refs
}

// layerTasks computes Kahn layers. Leftover tasks after the sort indicate
// a cycle and are named in the error.
func layerTasks(tasks map[string]*Task, order []string) ([][]string, error) {
	placed := make(map[string]bool, len(tasks))
	var layers [][]string

	for len(placed) < len(tasks) {
		var layer []string
		for _, id := range order {
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range tasks[id].DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			var stuck []string
			for _, id := range order {
				if !placed[id] {
					stuck = append(stuck, id)
				}
			}
			sort.Strings(stuck)
			return nil, api.Errorf(api.ErrValidation,
				"workflow contains a dependency cycle involving: %s", strings.Join(stuck, ", "))
		}
		sort.Strings(layer)
		for _, id := range layer {
			placed[id] = true
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// compileSchemas builds jsonschema validators for tool_call tasks whose
// descriptors carry an input schema. Unknown tools or uncompilable schemas
// simply go unvalidated; dispatch handles those failures.
func compileSchemas(tasks map[string]*Task) map[string]*jsonschema.Schema {
	reg := api.GetRegistry()
	if reg == nil {
		return nil
	}
	schemas := make(map[string]*jsonschema.Schema)
	for id, t := range tasks {
		if t.Kind != KindToolCall {
			continue
		}
		desc, ok := reg.Descriptor(t.Tool)
		if !ok || desc.InputSchema == nil {
			continue
		}
		data, err := json.Marshal(desc.InputSchema)
		if err != nil {
			continue
		}
		schema, err := jsonschema.CompileString(fmt.Sprintf("%s.schema.json", t.Tool), string(data))
		if err != nil {
			continue
		}
		schemas[id] = schema
	}
	return schemas
}

// leaves returns the ids of tasks no other task depends on, sorted.
func (p *Plan) leaves() []string {
	depended := make(map[string]bool)
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			depended[dep] = true
		}
	}
	var out []string
	for _, id := range p.Order {
		if !depended[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// dependents returns the transitive dependent set of a task.
func (p *Plan) dependents(id string) map[string]bool {
	out := make(map[string]bool)
	changed := true
	for changed {
		changed = false
		for _, t := range p.Tasks {
			if out[t.ID] {
				continue
			}
			for _, dep := range t.DependsOn {
				if dep == id || out[dep] {
					out[t.ID] = true
					changed = true
					break
				}
			}
		}
	}
	return out
}
