package normalizer

// Record is a schema-validated, tool-agnostic representation of one
// forensic data item: one process, one connection, one injected region.
//
// SourceStep is a back-reference only; records are owned by the StepResult
// that produced them and carry no pointer into session state.
type Record struct {
	SchemaID   string         `json:"schema"`
	SourceStep string         `json:"source_step"`
	Fields     map[string]any `json:"fields"`
}

// Result is the outcome of normalizing one step's raw output.
type Result struct {
	Records []Record `json:"records"`

	// Total counts entries seen in the raw output, valid or not.
	Total int `json:"total"`

	// Dropped counts entries excluded for parse or schema violations.
	Dropped int `json:"dropped"`

	// DropReasons holds one reason per dropped entry, for data-quality
	// events and the audit trail.
	DropReasons []string `json:"drop_reasons,omitempty"`

	// ThresholdBreached is true when the dropped fraction reached the
	// configured threshold. The caller decides whether that fails the step
	// or the whole workflow.
	ThresholdBreached bool `json:"threshold_breached"`
}

// DroppedFraction returns dropped/total, or 0 for empty output.
// Empty output is "legitimately no results", not a quality failure.
func (r Result) DroppedFraction() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Dropped) / float64(r.Total)
}
