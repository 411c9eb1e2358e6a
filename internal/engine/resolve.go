package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasttemplate"

	"gantry/internal/api"
)

// resolveArgs substitutes output references in an argument tree. A string
// that is exactly `$tid` or `$tid.path` becomes the referenced output (the
// whole value, or a gjson path into its JSON form), keeping its type.
// Strings containing `${...}` are rendered as templates with scalar
// lookups stringified. Resolution is pure over (outputs, args).
func resolveArgs(args map[string]interface{}, outputs map[string]interface{}) (map[string]interface{}, error) {
	if args == nil {
		return nil, nil
	}
	resolved, err := resolveValue(args, outputs)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]interface{}), nil
}

func resolveValue(v interface{}, outputs map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, outputs)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			r, err := resolveValue(item, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			r, err := resolveValue(item, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, outputs map[string]interface{}) (interface{}, error) {
	if m := exactRefPattern.FindStringSubmatch(s); m != nil {
		path := strings.TrimPrefix(m[2], ".")
		return lookupOutput(m[1], path, outputs)
	}
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var tmplErr error
	rendered := fasttemplate.ExecuteFuncString(s, "${", "}", func(w io.Writer, tag string) (int, error) {
		id, path := tag, ""
		if i := strings.IndexByte(tag, '.'); i >= 0 {
			id, path = tag[:i], tag[i+1:]
		}
		value, err := lookupOutput(id, path, outputs)
		if err != nil {
			tmplErr = err
			return 0, nil
		}
		return w.Write([]byte(stringify(value)))
	})
	if tmplErr != nil {
		return nil, tmplErr
	}
	return rendered, nil
}

func lookupOutput(id, path string, outputs map[string]interface{}) (interface{}, error) {
	output, ok := outputs[id]
	if !ok {
		return nil, api.Errorf(api.ErrValidation, "no output available for referenced task %q", id)
	}
	if path == "" {
		return output, nil
	}

	data, err := json.Marshal(output)
	if err != nil {
		return nil, api.WrapError(api.ErrValidation, err, "output of task %q is not addressable", id)
	}
	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return nil, api.Errorf(api.ErrValidation, "task %q output has no path %q", id, path)
	}
	return result.Value(), nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64, bool, int, int64:
		return fmt.Sprintf("%v", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
