package model

import "time"

// Good is a row that passed validation. Data is the row's original column
// mapping; the validator never rewrites values.
type Good struct {
	Row  Row               `json:"row"`
	Data map[string]string `json:"normalizedData"`
}

// Bad is a row that failed validation. Reason is never empty.
type Bad struct {
	Row    Row    `json:"row"`
	Reason string `json:"reason"`
}

// ValidationResult holds the classification of every row of a workbook.
type ValidationResult struct {
	Good      []Good `json:"good"`
	Bad       []Bad  `json:"bad"`
	GoodCount int    `json:"goodCount"`
	BadCount  int    `json:"badCount"`
}

// Total returns the number of classified rows.
func (v *ValidationResult) Total() int {
	return v.GoodCount + v.BadCount
}

// GoodRows returns the rows of the good outcomes in order.
func (v *ValidationResult) GoodRows() []Row {
	rows := make([]Row, len(v.Good))
	for i, g := range v.Good {
		rows[i] = g.Row
	}
	return rows
}

// BadRows returns the rows of the bad outcomes in order.
func (v *ValidationResult) BadRows() []Row {
	rows := make([]Row, len(v.Bad))
	for i, b := range v.Bad {
		rows[i] = b.Row
	}
	return rows
}

// ExportMode selects which side of a validation result is exported or
// submitted for enrichment.
type ExportMode string

const (
	ExportGood ExportMode = "good"
	ExportBad  ExportMode = "bad"
)

// Valid reports whether m is a known export mode.
func (m ExportMode) Valid() bool {
	return m == ExportGood || m == ExportBad
}

// Session is a stored validation result that later export or job requests
// can reference by ID instead of re-uploading rows.
type Session struct {
	ID        string            `json:"id"`
	FileName  string            `json:"fileName"`
	Result    *ValidationResult `json:"result"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Rows returns the rows selected by mode.
func (s *Session) Rows(mode ExportMode) []Row {
	if s.Result == nil {
		return nil
	}
	if mode == ExportBad {
		return s.Result.BadRows()
	}
	return s.Result.GoodRows()
}
