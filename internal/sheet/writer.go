package sheet

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/xuri/excelize/v2"

	"github.com/medprep/qbank-admin/internal/model"
)

// sheetTitles are the sheet names written for each kind; ReadWorkbook maps
// them back onto the same kinds.
var sheetTitles = map[model.SheetKind]string{
	model.SheetQCM:     "QCM",
	model.SheetQROC:    "QROC",
	model.SheetCasQCM:  "Cas QCM",
	model.SheetCasQROC: "Cas QROC",
}

// WriteOptions configures WriteRows.
type WriteOptions struct {
	// NoteColumn, when set, is appended to every sheet and filled from Notes.
	// A sheet whose rows already carry that column gets a numbered variant.
	NoteColumn string
	// Notes is parallel to the rows passed to WriteRows.
	Notes []string
}

// Export is a generated workbook ready for download.
type Export struct {
	FileName string
	Data     []byte
}

// ContentType is the MIME type of generated workbooks.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// WriteRows serializes rows into an xlsx workbook with one sheet per kind in
// the order of model.SheetKinds. Each sheet's header is the union of its rows'
// columns in first-seen order.
func WriteRows(rows []model.Row, opts WriteOptions) ([]byte, error) {
	type group struct {
		columns []string
		seen    map[string]bool
		idx     []int
	}
	groups := make(map[model.SheetKind]*group)
	for i, r := range rows {
		g, ok := groups[r.Kind]
		if !ok {
			g = &group{seen: make(map[string]bool)}
			groups[r.Kind] = g
		}
		for _, c := range r.Columns {
			if !g.seen[c] {
				g.seen[c] = true
				g.columns = append(g.columns, c)
			}
		}
		g.idx = append(g.idx, i)
	}

	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, eris.Wrap(err, "sheet: header style")
	}

	first := true
	for _, kind := range model.SheetKinds {
		g, ok := groups[kind]
		if !ok {
			continue
		}
		name := sheetTitles[kind]
		if first {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return nil, eris.Wrapf(err, "sheet: rename %s", name)
			}
			first = false
		} else if _, err := f.NewSheet(name); err != nil {
			return nil, eris.Wrapf(err, "sheet: add %s", name)
		}

		header := append([]string(nil), g.columns...)
		if opts.NoteColumn != "" {
			header = append(header, noteHeader(g.seen, opts.NoteColumn))
		}
		if err := writeRow(f, name, 1, toCells(header)); err != nil {
			return nil, err
		}
		if err := f.SetRowStyle(name, 1, 1, bold); err != nil {
			return nil, eris.Wrapf(err, "sheet: style header %s", name)
		}

		for n, i := range g.idx {
			r := rows[i]
			cells := make([]any, 0, len(header))
			for _, c := range g.columns {
				cells = append(cells, r.Values[c])
			}
			if opts.NoteColumn != "" {
				note := ""
				if i < len(opts.Notes) {
					note = opts.Notes[i]
				}
				cells = append(cells, note)
			}
			if err := writeRow(f, name, n+2, cells); err != nil {
				return nil, err
			}
		}

		last, err := excelize.ColumnNumberToName(len(header))
		if err != nil {
			return nil, eris.Wrap(err, "sheet: column name")
		}
		if err := f.SetColWidth(name, "A", last, 28); err != nil {
			return nil, eris.Wrapf(err, "sheet: column width %s", name)
		}
	}

	if first {
		// Nothing to write: keep an empty QCM sheet so the file still opens.
		if err := f.SetSheetName("Sheet1", sheetTitles[model.SheetQCM]); err != nil {
			return nil, eris.Wrap(err, "sheet: rename empty sheet")
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, eris.Wrap(err, "sheet: write workbook")
	}
	return buf.Bytes(), nil
}

// noteHeader returns name, or name_2, name_3... when a data column already
// uses it.
func noteHeader(seen map[string]bool, name string) string {
	out := name
	for n := 2; seen[out]; n++ {
		out = fmt.Sprintf("%s_%d", name, n)
	}
	return out
}

// ExportValidation writes the good or bad side of a validation result. Bad
// exports carry a "reason" column.
func ExportValidation(res *model.ValidationResult, mode model.ExportMode, baseName string) (*Export, error) {
	var (
		rows []model.Row
		opts WriteOptions
	)
	switch mode {
	case model.ExportGood:
		rows = res.GoodRows()
	case model.ExportBad:
		rows = res.BadRows()
		opts.NoteColumn = "reason"
		opts.Notes = make([]string, len(res.Bad))
		for i, b := range res.Bad {
			opts.Notes[i] = b.Reason
		}
	default:
		return nil, eris.Errorf("sheet: unknown export mode %q", mode)
	}

	data, err := WriteRows(rows, opts)
	if err != nil {
		return nil, err
	}
	return &Export{FileName: exportName(baseName, string(mode)), Data: data}, nil
}

// ExportJobResult writes a completed job's rows. Rows that could not be
// enriched are flagged in an "enrichment_status" column.
func ExportJobResult(res *model.JobResult, baseName string) (*Export, error) {
	if res == nil {
		return nil, eris.New("sheet: job has no result")
	}
	notes := make([]string, len(res.Rows))
	for i := range notes {
		notes[i] = "enriched"
	}
	for _, i := range res.FailedRows {
		if i >= 0 && i < len(notes) {
			notes[i] = "failed: original kept"
		}
	}
	data, err := WriteRows(res.Rows, WriteOptions{NoteColumn: "enrichment_status", Notes: notes})
	if err != nil {
		return nil, err
	}
	return &Export{FileName: exportName(baseName, "corrected"), Data: data}, nil
}

func exportName(base, suffix string) string {
	if base == "" {
		base = "questions-" + time.Now().UTC().Format("20060102-150405")
	}
	return fmt.Sprintf("%s-%s.xlsx", trimExt(base), suffix)
}

func trimExt(name string) string {
	for i := len(name) - 1; i >= 0 && name[i] != '/'; i-- {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return name
}

func writeRow(f *excelize.File, sheetName string, rowNum int, cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return eris.Wrap(err, "sheet: cell name")
	}
	if err := f.SetSheetRow(sheetName, cell, &cells); err != nil {
		return eris.Wrapf(err, "sheet: write %s row %d", sheetName, rowNum)
	}
	return nil
}

func toCells(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
