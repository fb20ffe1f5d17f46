package pipeline

import (
	"fmt"
	"strings"

	"AgentEngine/pkg/engine/api"
)

// commandSynonyms maps legacy/alternate argument key names onto the
// canonical key a tool handler actually expects, per canonical tool name.
// Models occasionally emit "cmd" instead of "command", or similar drift.
var commandSynonyms = map[string][]string{
	"shell": {"command", "cmd", "cmdline"},
}

// NormalizeArgs applies deterministic argument-shape fixups before a tool
// call is dispatched: accept known synonym keys, accept either a string or
// a []string form for the primary command field, and fail loudly (rather
// than silently dropping or guessing) when no known form can be reconciled
// into a string. Every other field in args passes through unmodified.
func NormalizeArgs(toolName string, args api.Args) (api.Args, error) {
	synonyms, ok := commandSynonyms[toolName]
	if !ok {
		return args, nil
	}

	out := make(api.Args, len(args))
	for k, v := range args {
		out[k] = v
	}

	canonical := synonyms[0]
	var raw any
	var rawKey string
	for _, key := range synonyms {
		if v, present := args[key]; present {
			raw = v
			rawKey = key
			break
		}
	}
	if raw == nil {
		// No recognized form present; leave normalization to the handler's
		// own schema validation (it will report the missing field).
		return out, nil
	}

	resolved, err := coerceToCommandString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: argument %q: %w", toolName, rawKey, err)
	}

	if rawKey != canonical {
		delete(out, rawKey)
	}
	out[canonical] = resolved
	return out, nil
}

// coerceToCommandString accepts the shapes models are observed to emit for
// a single shell command: a plain string, or a []string/[]any of words
// joined with a single space (the "wrapped as an array" case).
func coerceToCommandString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []string:
		return strings.Join(val, " "), nil
	case []any:
		parts := make([]string, 0, len(val))
		for _, elem := range val {
			s, ok := elem.(string)
			if !ok {
				return "", fmt.Errorf("unsupported array element type %T", elem)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " "), nil
	default:
		return "", fmt.Errorf("unsupported type %T, expected string or array of strings", v)
	}
}
