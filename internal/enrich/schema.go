package enrich

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/medprep/qbank-admin/internal/model"
)

// qcmAnswerPattern accepts one or more letters A-E with optional separators.
const qcmAnswerPattern = `^[A-Ea-e]([ ,;/]*[A-Ea-e])*$`

// schemaSet holds the compiled reply schemas, keyed by answer family and
// whether the reply must carry an answer.
type schemaSet struct {
	byKey map[schemaKey]*jsonschema.Schema
}

type schemaKey struct {
	multipleChoice bool
	answerRequired bool
}

func replySchema(multipleChoice, answerRequired bool) map[string]any {
	answer := map[string]any{"type": "string", "minLength": 1}
	if multipleChoice {
		answer["pattern"] = qcmAnswerPattern
	}
	required := []string{"explanation"}
	if answerRequired {
		required = append(required, "answer")
	}
	return map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": required,
		"properties": map[string]any{
			"explanation": map[string]any{"type": "string", "minLength": 1},
			"answer":      answer,
		},
	}
}

func compileSchemas() (*schemaSet, error) {
	set := &schemaSet{byKey: make(map[schemaKey]*jsonschema.Schema, 4)}
	for _, mc := range []bool{false, true} {
		for _, req := range []bool{false, true} {
			s, err := compileSchema(fmt.Sprintf("reply-mc%t-req%t.json", mc, req), replySchema(mc, req))
			if err != nil {
				return nil, err
			}
			set.byKey[schemaKey{multipleChoice: mc, answerRequired: req}] = s
		}
	}
	return set, nil
}

func compileSchema(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: marshal schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, eris.Wrap(err, "enrich: add schema")
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: compile schema")
	}
	return schema, nil
}

// validate checks a decoded reply against the schema for kind.
func (s *schemaSet) validate(kind model.SheetKind, answerRequired bool, doc any) error {
	schema := s.byKey[schemaKey{multipleChoice: kind.MultipleChoice(), answerRequired: answerRequired}]
	if err := schema.Validate(doc); err != nil {
		return eris.Wrapf(err, "enrich: reply does not match %s schema", kind)
	}
	return nil
}
