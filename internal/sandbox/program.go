package sandbox

import (
	"github.com/itchyny/gojq"

	"gantry/internal/api"
)

// parseProgram parses user code as a jq program and enforces the result
// rule: the program must end in an expression. Function definitions alone
// produce no output, which is always a user mistake here.
func parseProgram(code string) (*gojq.Query, error) {
	if code == "" {
		return nil, api.Errorf(api.ErrValidation, "code must not be empty")
	}
	query, err := gojq.Parse(code)
	if err != nil {
		return nil, api.WrapError(api.ErrValidation, err, "invalid jq program")
	}
	if len(query.FuncDefs) > 0 && query.Term == nil && query.Left == nil && query.Func == "" {
		return nil, api.Errorf(api.ErrValidation,
			"code defines functions but has no result expression")
	}
	return query, nil
}
