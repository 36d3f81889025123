package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/compasshq/journeyd/internal/domain/model"
)

// requireScope validates the --scope flag, mandatory for data commands
func requireScope(flags *rootFlags) (model.Scope, error) {
	if flags.scope == "" {
		return model.Scope{}, fmt.Errorf("--scope is required (or set JOURNEYD_SCOPE)")
	}
	return model.NewScope(flags.scope)
}

// parseInstanceID validates an instance ID argument
func parseInstanceID(arg string) (model.InstanceID, error) {
	id, err := model.NewInstanceIDFromString(strings.TrimSpace(arg))
	if err != nil {
		return model.InstanceID{}, fmt.Errorf("invalid instance ID %q: %w", arg, err)
	}
	return id, nil
}

// parseKeyValues parses repeated key=value flags into a context map.
// Values that parse as JSON (numbers, booleans, objects) keep their type;
// everything else stays a string.
func parseKeyValues(pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", pair)
		}
		var parsed interface{}
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			out[key] = parsed
		} else {
			out[key] = value
		}
	}
	return out, nil
}

// printJSON writes v as indented JSON
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
