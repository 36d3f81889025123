package dispatcher

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/compasshq/journeyd/internal/application/port/output"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
)

// registerBuiltins installs the handlers the orchestrator provides itself.
// Business types (discovery, enrichment, scoring, outreach) stay external.
func registerBuiltins(registry *Registry, logger zerolog.Logger) {
	if _, ok := registry.Resolve(model.StepTypeValidation); !ok {
		registry.Register(model.StepTypeValidation, validationHandler())
	}
	if _, ok := registry.Resolve(model.StepTypeNotification); !ok {
		registry.Register(model.StepTypeNotification, notificationHandler(logger))
	}
}

// validationHandler checks that the context carries the keys listed in the
// step config under "require"
func validationHandler() output.StepHandler {
	return output.StepHandlerFunc(func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
		required := stringSlice(req.Config["require"])
		var missing []string
		for _, key := range required {
			if _, ok := req.Context[key]; !ok {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return &output.StepResult{
				Success:      false,
				ErrorKind:    "validation",
				ErrorMessage: fmt.Sprintf("missing context keys: %s", strings.Join(missing, ", ")),
			}, nil
		}
		return &output.StepResult{Success: true, Output: map[string]interface{}{"validated": required}}, nil
	})
}

// notificationHandler emits a structured log line. Real delivery channels
// are external handlers registered over this default.
func notificationHandler(logger zerolog.Logger) output.StepHandler {
	return output.StepHandlerFunc(func(ctx context.Context, req output.StepRequest) (*output.StepResult, error) {
		message, _ := req.Config["message"].(string)
		channel, _ := req.Config["channel"].(string)
		logger.Info().
			Str("instance_id", req.InstanceID).
			Str("channel", channel).
			Str("message", message).
			Msg("notification")
		return &output.StepResult{Success: true, Output: map[string]interface{}{"notified": true}}, nil
	})
}

// evaluateBranches returns the target of the first branch whose predicate
// matches the context
func evaluateBranches(ctx map[string]interface{}, branches []journey.Branch) (journey.State, bool) {
	for _, b := range branches {
		if branchMatches(ctx, b) {
			return b.Target, true
		}
	}
	return "", false
}

func branchMatches(ctx map[string]interface{}, b journey.Branch) bool {
	val, present := ctx[b.Key]
	switch b.Op {
	case "exists":
		return present
	case "eq":
		return present && valuesEqual(val, b.Value)
	case "ne":
		return present && !valuesEqual(val, b.Value)
	case "gt", "lt", "gte", "lte":
		a, aok := toFloat(val)
		c, cok := toFloat(b.Value)
		if !present || !aok || !cok {
			return false
		}
		switch b.Op {
		case "gt":
			return a > c
		case "lt":
			return a < c
		case "gte":
			return a >= c
		default:
			return a <= c
		}
	default:
		return false
	}
}

// valuesEqual compares predicate operands, treating all numeric types as
// float64 the way JSON round-trips do
func valuesEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}

// configDuration reads a duration from step config, accepting either a
// duration string ("30s") or a number of seconds
func configDuration(config map[string]interface{}, key string) (time.Duration, bool) {
	raw, ok := config[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, false
		}
		return d, true
	default:
		if f, ok := toFloat(raw); ok {
			return time.Duration(f * float64(time.Second)), true
		}
		return 0, false
	}
}

func stringSlice(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
