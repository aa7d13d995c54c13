package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidParameters marks argument validation failures. These fail fast
// and are never retried.
var ErrInvalidParameters = errors.New("invalid parameters")

// paramSpec describes the argument contract for one backend-issued function.
type paramSpec struct {
	required []string
	defaults map[string]any
}

// funcSchemas lists every function the streaming backend may request. An
// unknown function name is itself an InvalidParameters failure.
var funcSchemas = map[string]paramSpec{
	"collect_visitor_info": {
		required: []string{"name"},
		defaults: map[string]any{"purpose": "general inquiry"},
	},
	"check_availability": {
		required: []string{"date"},
	},
	"book_appointment": {
		required: []string{"datetime", "name"},
		defaults: map[string]any{"duration_minutes": 30},
	},
	"send_notification": {
		required: []string{"message"},
		defaults: map[string]any{"channel": "chat"},
	},
	"end_conversation": {},
}

// validateArgs checks args against the function's schema, trimming string
// values and filling defaults. Returns a normalized copy.
func validateArgs(fn string, args map[string]any) (map[string]any, error) {
	spec, ok := funcSchemas[fn]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %q", ErrInvalidParameters, fn)
	}

	normalized := make(map[string]any, len(args)+len(spec.defaults))
	for k, v := range args {
		if s, isStr := v.(string); isStr {
			v = strings.TrimSpace(s)
		}
		normalized[k] = v
	}
	for k, v := range spec.defaults {
		if cur, present := normalized[k]; !present || cur == "" {
			normalized[k] = v
		}
	}
	for _, req := range spec.required {
		v, present := normalized[req]
		if !present || v == "" || v == nil {
			return nil, fmt.Errorf("%w: %s requires %q", ErrInvalidParameters, fn, req)
		}
	}
	return normalized, nil
}

// suggestedNext maps a completed function to an advisory follow-up action.
// Never blocking: the suggestion is recorded on the execution and logged.
var suggestedNext = map[string]string{
	"collect_visitor_info": "check_availability",
	"book_appointment":     "send_notification",
}
