package model

// SheetKind identifies one of the recognized spreadsheet categories.
type SheetKind string

const (
	SheetQCM     SheetKind = "qcm"
	SheetQROC    SheetKind = "qroc"
	SheetCasQCM  SheetKind = "cas_qcm"
	SheetCasQROC SheetKind = "cas_qroc"
)

// SheetKinds lists the recognized kinds in the order they are processed.
var SheetKinds = []SheetKind{SheetQCM, SheetQROC, SheetCasQCM, SheetCasQROC}

// Valid reports whether k is one of the recognized sheet kinds.
func (k SheetKind) Valid() bool {
	switch k {
	case SheetQCM, SheetQROC, SheetCasQCM, SheetCasQROC:
		return true
	default:
		return false
	}
}

// MultipleChoice reports whether rows of this kind carry a lettered answer.
func (k SheetKind) MultipleChoice() bool {
	return k == SheetQCM || k == SheetCasQCM
}

// Canonical column names after header normalization.
const (
	ColumnQuestion    = "question"
	ColumnAnswer      = "answer"
	ColumnExplanation = "explanation"
)

// Row is a single spreadsheet record. Columns keeps the header order of the
// source sheet; Values maps a column name to its raw cell value.
type Row struct {
	Kind    SheetKind         `json:"sheet"`
	Index   int               `json:"row"`
	Columns []string          `json:"columns"`
	Values  map[string]string `json:"data"`
}

// Get returns the raw value of col and whether the column exists on the row.
func (r Row) Get(col string) (string, bool) {
	v, ok := r.Values[col]
	return v, ok
}

// Has reports whether the row declares col.
func (r Row) Has(col string) bool {
	_, ok := r.Values[col]
	return ok
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	out := Row{Kind: r.Kind, Index: r.Index}
	if r.Columns != nil {
		out.Columns = append([]string(nil), r.Columns...)
	}
	if r.Values != nil {
		out.Values = make(map[string]string, len(r.Values))
		for k, v := range r.Values {
			out.Values[k] = v
		}
	}
	return out
}

// With returns a copy of the row with col set to value. New columns are
// appended after the existing ones.
func (r Row) With(col, value string) Row {
	out := r.Clone()
	if out.Values == nil {
		out.Values = make(map[string]string)
	}
	if _, ok := out.Values[col]; !ok {
		out.Columns = append(out.Columns, col)
	}
	out.Values[col] = value
	return out
}
