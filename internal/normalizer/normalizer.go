package normalizer

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// Normalizer converts raw external-tool output into schema-validated
// Records. Entries that fail to parse or violate their schema are dropped
// and counted; when the dropped fraction reaches the configured threshold
// the result is flagged so the caller can fail the step.
type Normalizer struct {
	registry      *SchemaRegistry
	dropThreshold float64
	logger        *slog.Logger
}

// Option is a functional option for configuring the Normalizer.
type Option func(*Normalizer)

// WithDropThreshold sets the dropped-record fraction at which a result is
// flagged as breached. The default of 1.0 flags only fully invalid output.
func WithDropThreshold(threshold float64) Option {
	return func(n *Normalizer) {
		n.dropThreshold = threshold
	}
}

// WithLogger configures the normalizer to use the specified structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// New creates a Normalizer over the built-in schema set.
func New(opts ...Option) (*Normalizer, error) {
	registry, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}

	n := &Normalizer{
		registry:      registry,
		dropThreshold: 1.0,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Registry exposes the schema registry, for export field ordering.
func (n *Normalizer) Registry() *SchemaRegistry {
	return n.registry
}

// Normalize parses raw tool output and validates every entry against the
// schema identified by schemaID. It returns an error only when the whole
// payload is unparseable or the schema is unknown; per-record failures are
// reported through Result counters, never as an error.
func (n *Normalizer) Normalize(stepID, schemaID string, raw []byte) (*Result, error) {
	schema, err := n.registry.lookup(schemaID)
	if err != nil {
		return nil, err
	}

	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, types.WrapError(types.NORMALIZE_PARSE_FAILED,
			fmt.Sprintf("cannot parse output of step %s", stepID), err)
	}

	result := &Result{Total: len(entries)}
	for i, entry := range entries {
		obj, ok := entry.(map[string]any)
		if !ok {
			result.drop(fmt.Sprintf("entry %d: not an object", i))
			continue
		}

		fields := make(map[string]any, len(obj))
		for name, value := range obj {
			fields[schema.mapField(name)] = normalizeValue(value)
		}

		if vr := schema.validator.Validate(fields); !vr.Valid {
			result.drop(fmt.Sprintf("entry %d: %v", i, vr.Errors))
			continue
		}

		result.Records = append(result.Records, Record{
			SchemaID:   schemaID,
			SourceStep: stepID,
			Fields:     fields,
		})
	}

	if result.Total > 0 && result.DroppedFraction() >= n.dropThreshold {
		result.ThresholdBreached = true
		n.logger.Warn("drop threshold breached",
			"step", stepID,
			"schema", schemaID,
			"dropped", result.Dropped,
			"total", result.Total)
	} else if result.Dropped > 0 {
		n.logger.Debug("dropped invalid records",
			"step", stepID,
			"dropped", result.Dropped,
			"total", result.Total)
	}

	return result, nil
}

// drop records one excluded entry and its reason.
func (r *Result) drop(reason string) {
	r.Dropped++
	r.DropReasons = append(r.DropReasons, reason)
}

// decodeEntries accepts the two shapes external tools emit: a bare JSON
// array of row objects, or an object wrapping such an array under a single
// key. A bare object is treated as one entry.
func decodeEntries(raw []byte) ([]any, error) {
	var top any
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, err
	}

	switch v := top.(type) {
	case []any:
		return v, nil
	case map[string]any:
		// Unwrap single-key envelopes like {"rows": [...]}.
		if len(v) == 1 {
			for _, inner := range v {
				if arr, ok := inner.([]any); ok {
					return arr, nil
				}
			}
		}
		return []any{v}, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported top-level JSON type %T", top)
	}
}

// normalizeValue coerces whole-number floats back to int. encoding/json
// decodes all numbers as float64, but the schemas type PIDs and counters
// as integers.
func normalizeValue(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if f == float64(int64(f)) {
		return int(f)
	}
	return v
}
