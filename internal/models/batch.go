package models

// RowError reports a failure against the positional row of a bulk input so
// callers can render it next to the original record.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// CommittedRow links a bulk input row to the entity it produced.
type CommittedRow struct {
	Row  int    `json:"row"`
	ID   string `json:"id"`
	Code string `json:"code"`
}

// ImportResult is the partial-success report of a bulk operation. Bulk
// operations never collapse into an all-or-nothing boolean.
type ImportResult struct {
	Committed []CommittedRow `json:"committed"`
	Failed    []RowError     `json:"failed"`
	Degraded  []RowError     `json:"degraded,omitempty"`
}

// Summary returns committed/failed counts for logging.
func (r *ImportResult) Summary() (int, int) {
	return len(r.Committed), len(r.Failed)
}
