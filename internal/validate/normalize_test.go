package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medprep/qbank-admin/internal/model"
)

func TestNormalizeHeader(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Question":         "question",
		"Énoncé":           "question",
		"Réponse":          "answer",
		"  Bonne  réponse": "answer",
		"Correct Answer":   "answer",
		"Explication":      "explanation",
		"Item ECN":         "item_ecn",
		"Spécialité":       "specialite",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeHeader(in), in)
	}
}

func TestParseSheetKind(t *testing.T) {
	t.Parallel()

	tests := map[string]model.SheetKind{
		"QCM":                model.SheetQCM,
		"qroc":               model.SheetQROC,
		"Cas QCM":            model.SheetCasQCM,
		"cas_qroc":           model.SheetCasQROC,
		"Cas-Clinique-QCM":   model.SheetCasQCM,
		"Cas cliniques QROC": model.SheetCasQROC,
	}
	for in, want := range tests {
		got, ok := ParseSheetKind(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseSheetKind("Images")
	assert.False(t, ok)
}

func TestIsNoAnswer(t *testing.T) {
	assert.True(t, IsNoAnswer("PAS DE RÉPONSE"))
	assert.True(t, IsNoAnswer(" aucune reponse "))
	assert.False(t, IsNoAnswer("A"))
}
