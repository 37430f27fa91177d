package articulation

import (
	"fmt"

	"plotloom/internal/workorder"
)

// Action types the dispatcher understands.
const (
	ActionSaveDecision   = "save_decision"
	ActionUpdateTemplate = "update_template"
	ActionAdvanceMode    = "advance_mode"
	ActionOverrideMode   = "override_mode"
	ActionResearchQuery  = "research_query"
	ActionNote           = "note"
	ActionConsolidate    = "consolidate"
)

// ActionSchema declares an action's parameter contract and where it may run.
// Modes nil means every mode.
type ActionSchema struct {
	Type     string
	Required []string
	Optional []string
	Modes    []workorder.Mode
}

// actionSchemas is the dispatch registry. Adding an action type means adding
// a schema here and a handler arm in the dispatcher.
var actionSchemas = map[string]ActionSchema{
	ActionSaveDecision: {
		Type:     ActionSaveDecision,
		Required: []string{"category", "key", "value"},
		Optional: []string{"source"},
	},
	ActionUpdateTemplate: {
		Type:     ActionUpdateTemplate,
		Required: []string{"template", "status"},
		Optional: []string{"missing_fields"},
	},
	ActionAdvanceMode: {
		Type:     ActionAdvanceMode,
		Required: []string{"target"},
	},
	ActionOverrideMode: {
		Type:     ActionOverrideMode,
		Required: []string{"target"},
		Optional: []string{"reason"},
	},
	ActionResearchQuery: {
		Type:     ActionResearchQuery,
		Required: []string{"resource_id", "query"},
		// Research feeds structure and drafting; calibration and revision
		// work from material already in the project.
		Modes: []workorder.Mode{workorder.ModeArchitect, workorder.ModeDirector},
	},
	ActionNote: {
		Type:     ActionNote,
		Required: []string{"notebook", "text"},
	},
	ActionConsolidate: {
		Type: ActionConsolidate,
	},
}

// ValidateAction checks an action against its registered schema and the
// current mode. It returns a specific reason on failure so the skip can be
// logged usefully.
func ValidateAction(a Action, mode workorder.Mode) error {
	schema, ok := actionSchemas[a.Type]
	if !ok {
		return fmt.Errorf("unknown action type %q", a.Type)
	}

	for _, param := range schema.Required {
		v, present := a.Params[param]
		if !present {
			return fmt.Errorf("%s: missing required param %q", a.Type, param)
		}
		if s, isString := v.(string); isString && s == "" {
			return fmt.Errorf("%s: required param %q is empty", a.Type, param)
		}
	}

	if schema.Modes != nil {
		allowed := false
		for _, m := range schema.Modes {
			if m == mode {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%s is not permitted in mode %s", a.Type, mode)
		}
	}
	return nil
}

// stringParam reads a string param with an empty-string fallback for absent
// or mistyped values. Validation has already guaranteed required params.
func stringParam(a Action, name string) string {
	if v, ok := a.Params[name].(string); ok {
		return v
	}
	return ""
}

// stringSliceParam reads a JSON array param as strings, skipping non-string
// elements.
func stringSliceParam(a Action, name string) []string {
	raw, ok := a.Params[name].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
