// Package sheet converts uploaded workbooks into typed rows and serializes
// rows back into downloadable workbooks.
package sheet

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/medprep/qbank-admin/internal/model"
	"github.com/medprep/qbank-admin/internal/validate"
)

// ErrCorruptFile is returned when the upload cannot be opened as a workbook.
var ErrCorruptFile = eris.New("sheet: file is not a readable xlsx workbook")

// Workbook maps each recognized sheet kind to its rows in source order.
type Workbook map[model.SheetKind][]model.Row

// Count returns the total number of rows across all sheets.
func (w Workbook) Count() int {
	n := 0
	for _, rows := range w {
		n += len(rows)
	}
	return n
}

// ReadWorkbookFile reads the workbook at path.
func ReadWorkbookFile(path string) (Workbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "sheet: read %s", path)
	}
	return ReadWorkbook(data)
}

// ReadWorkbook parses an xlsx upload. The first non-blank row of every sheet
// is its header; headers are normalized onto canonical column names. Blank
// rows are skipped and the remaining data rows are numbered from 1 per kind;
// numbering continues across sheets that map onto the same kind. A sheet
// whose name is not a recognized kind fails the whole file with a
// *validate.SchemaError.
func ReadWorkbook(data []byte) (Workbook, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrapf(ErrCorruptFile, "open workbook: %v", err)
	}

	wb := make(Workbook)
	for _, sh := range f.Sheets {
		kind, ok := validate.ParseSheetKind(sh.Name)
		if !ok {
			return nil, &validate.SchemaError{Sheet: sh.Name, Reason: "unrecognized sheet name"}
		}
		wb[kind] = append(wb[kind], readSheet(kind, sh, len(wb[kind]))...)
	}

	if wb.Count() == 0 {
		return nil, &validate.SchemaError{Reason: "workbook contains no question rows"}
	}
	return wb, nil
}

func readSheet(kind model.SheetKind, sh *xlsx.Sheet, start int) []model.Row {
	var header []string
	var rows []model.Row
	for _, r := range sh.Rows {
		if r == nil {
			continue
		}
		cells := rowToStrings(r)
		if isBlank(cells) {
			continue
		}
		if header == nil {
			header = normalizeHeader(cells)
			continue
		}

		row := model.Row{
			Kind:   kind,
			Index:  start + len(rows) + 1,
			Values: make(map[string]string, len(header)),
		}
		for i, col := range header {
			if col == "" {
				continue
			}
			v := ""
			if i < len(cells) {
				v = cells[i]
			}
			row.Columns = append(row.Columns, col)
			row.Values[col] = v
		}
		rows = append(rows, row)
	}
	return rows
}

// normalizeHeader maps header cells onto column names. Empty header cells
// yield "" and their column is ignored; duplicates get a numeric suffix.
func normalizeHeader(cells []string) []string {
	seen := make(map[string]int, len(cells))
	out := make([]string, len(cells))
	for i, c := range cells {
		if strings.TrimSpace(c) == "" {
			continue
		}
		name := validate.NormalizeHeader(c)
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		out[i] = name
	}
	return out
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		if cell == nil {
			continue
		}
		cells[j] = cell.String()
	}
	return cells
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
