package validate

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/medprep/qbank-admin/internal/model"
)

// Fold lowercases s, strips diacritics and collapses inner whitespace, so
// "  Réponse  Correcte" and "reponse correcte" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// headerAliases maps folded header spellings onto canonical column names.
var headerAliases = map[string]string{
	"question":         model.ColumnQuestion,
	"questions":        model.ColumnQuestion,
	"enonce":           model.ColumnQuestion,
	"question text":    model.ColumnQuestion,
	"intitule":         model.ColumnQuestion,
	"answer":           model.ColumnAnswer,
	"answers":          model.ColumnAnswer,
	"reponse":          model.ColumnAnswer,
	"reponses":         model.ColumnAnswer,
	"bonne reponse":    model.ColumnAnswer,
	"reponse correcte": model.ColumnAnswer,
	"correct answer":   model.ColumnAnswer,
	"explanation":      model.ColumnExplanation,
	"explication":      model.ColumnExplanation,
	"explications":     model.ColumnExplanation,
	"commentaire":      model.ColumnExplanation,
	"correction":       model.ColumnExplanation,
}

// NormalizeHeader returns the canonical column name for a header cell.
// Unknown headers are folded and snake_cased so that they stay stable
// across uploads.
func NormalizeHeader(h string) string {
	f := Fold(h)
	if c, ok := headerAliases[f]; ok {
		return c
	}
	return strings.ReplaceAll(f, " ", "_")
}

var sheetAliases = map[string]model.SheetKind{
	"qcm":                model.SheetQCM,
	"qcms":               model.SheetQCM,
	"qroc":               model.SheetQROC,
	"qrocs":              model.SheetQROC,
	"cas qcm":            model.SheetCasQCM,
	"cas clinique qcm":   model.SheetCasQCM,
	"cas cliniques qcm":  model.SheetCasQCM,
	"cas qroc":           model.SheetCasQROC,
	"cas clinique qroc":  model.SheetCasQROC,
	"cas cliniques qroc": model.SheetCasQROC,
}

// ParseSheetKind maps a workbook sheet name onto a sheet kind. Underscores and
// hyphens are treated as spaces.
func ParseSheetKind(name string) (model.SheetKind, bool) {
	f := Fold(strings.NewReplacer("_", " ", "-", " ").Replace(name))
	k, ok := sheetAliases[f]
	return k, ok
}

// noAnswerSentinels are folded values meaning "the answer is unknown".
var noAnswerSentinels = map[string]bool{
	"pas de reponse": true,
	"aucune reponse": true,
	"sans reponse":   true,
	"no answer":      true,
	"none":           true,
	"n/a":            true,
}

// IsNoAnswer reports whether v is a recognized "no answer" marker.
func IsNoAnswer(v string) bool {
	return noAnswerSentinels[Fold(v)]
}
