// Package validate classifies spreadsheet rows into good and bad rows per
// sheet kind.
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/medprep/qbank-admin/internal/model"
)

// SchemaError rejects a whole workbook before any row is classified, for
// example when a sheet is not one of the recognized kinds.
type SchemaError struct {
	Sheet  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Sheet == "" {
		return "validate: " + e.Reason
	}
	return fmt.Sprintf("validate: sheet %q: %s", e.Sheet, e.Reason)
}

// requiredColumns lists the columns every row of a kind must declare.
var requiredColumns = map[model.SheetKind][]string{
	model.SheetQCM:     {model.ColumnQuestion, model.ColumnAnswer},
	model.SheetQROC:    {model.ColumnQuestion, model.ColumnAnswer},
	model.SheetCasQCM:  {model.ColumnQuestion, model.ColumnAnswer},
	model.SheetCasQROC: {model.ColumnQuestion, model.ColumnAnswer},
}

// Validate classifies every row of sheets. Sheets are processed in the order
// of model.SheetKinds and rows keep their source order. Each row yields
// exactly one outcome. An unrecognized sheet kind fails the whole call with a
// *SchemaError.
func Validate(sheets map[model.SheetKind][]model.Row) (*model.ValidationResult, error) {
	var unknown []string
	for k := range sheets {
		if !k.Valid() {
			unknown = append(unknown, string(k))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &SchemaError{Sheet: unknown[0], Reason: "unrecognized sheet kind (expected qcm, qroc, cas_qcm or cas_qroc)"}
	}

	res := &model.ValidationResult{Good: []model.Good{}, Bad: []model.Bad{}}
	for _, kind := range model.SheetKinds {
		for _, row := range sheets[kind] {
			// The sheet a row sits under decides its kind.
			row.Kind = kind
			if reason := CheckRow(kind, row); reason != "" {
				res.Bad = append(res.Bad, model.Bad{Row: row, Reason: reason})
				continue
			}
			res.Good = append(res.Good, model.Good{Row: row, Data: row.Clone().Values})
		}
	}
	res.GoodCount = len(res.Good)
	res.BadCount = len(res.Bad)
	return res, nil
}

// CheckRow returns the reason row is rejected, or "" when it is valid.
func CheckRow(kind model.SheetKind, row model.Row) string {
	for _, col := range requiredColumns[kind] {
		if !row.Has(col) {
			return fmt.Sprintf("missing required column %q", col)
		}
	}

	question, _ := row.Get(model.ColumnQuestion)
	if strings.TrimSpace(question) == "" {
		return fmt.Sprintf("empty question text in column %q", model.ColumnQuestion)
	}

	answer, _ := row.Get(model.ColumnAnswer)
	if kind.MultipleChoice() {
		return checkQCMAnswer(answer)
	}
	if strings.TrimSpace(answer) == "" {
		return fmt.Sprintf("empty QROC answer %q", answer)
	}
	return ""
}

// checkQCMAnswer accepts one or more letters A-E (any case, optionally
// separated by commas, semicolons, slashes or spaces), "?" or a no-answer
// marker.
func checkQCMAnswer(answer string) string {
	v := strings.TrimSpace(answer)
	if v == "?" || (v != "" && IsNoAnswer(v)) {
		return ""
	}
	if v == "" {
		return fmt.Sprintf("invalid QCM answer %q: expected letters A-E, \"?\" or a no-answer marker", answer)
	}

	letters := 0
	for _, r := range strings.ToUpper(v) {
		switch {
		case r >= 'A' && r <= 'E':
			letters++
		case r == ',' || r == ';' || r == '/' || r == ' ':
		default:
			return fmt.Sprintf("invalid QCM answer %q: %q is not a letter A-E", answer, string(r))
		}
	}
	if letters == 0 {
		return fmt.Sprintf("invalid QCM answer %q: expected letters A-E, \"?\" or a no-answer marker", answer)
	}
	return ""
}
