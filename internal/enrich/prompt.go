package enrich

import (
	"fmt"
	"strings"

	"github.com/medprep/qbank-admin/internal/model"
)

const systemPreamble = `You review questions from a French medical exam question bank.
Reply with a single JSON object and nothing else.
Write the explanation in the language of the question, in at most five sentences.`

var kindInstructions = map[model.SheetKind]string{
	model.SheetQCM: `The row is a multiple choice question (QCM). Options are labelled A to E.
The answer is one or more option letters.`,
	model.SheetQROC: `The row is a short open answer question (QROC).
The answer is a short free text.`,
	model.SheetCasQCM: `The row is a multiple choice question (QCM) attached to a clinical case.
Use the case text when present. Options are labelled A to E.
The answer is one or more option letters.`,
	model.SheetCasQROC: `The row is a short open answer question (QROC) attached to a clinical case.
Use the case text when present. The answer is a short free text.`,
}

func buildPrompt(row model.Row, needAnswer bool) Prompt {
	var sys strings.Builder
	sys.WriteString(systemPreamble)
	sys.WriteString("\n\n")
	sys.WriteString(kindInstructions[row.Kind])
	sys.WriteString("\n\n")
	if needAnswer {
		sys.WriteString(`The given answer is missing or invalid. Return {"answer": "...", "explanation": "..."} with the correct answer.`)
	} else {
		sys.WriteString(`The given answer is correct. Return {"explanation": "..."} explaining why.`)
	}
	if row.Kind.MultipleChoice() {
		sys.WriteString(` Answers are option letters only, for example "AC".`)
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Sheet: %s, row %d\n", row.Kind, row.Index)
	for _, col := range row.Columns {
		if col == model.ColumnExplanation {
			continue
		}
		v := strings.TrimSpace(row.Values[col])
		if v == "" {
			continue
		}
		fmt.Fprintf(&user, "%s: %s\n", col, v)
	}
	return Prompt{System: sys.String(), User: user.String()}
}
