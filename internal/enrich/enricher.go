// Package enrich fills in explanations and missing answers for question rows
// by asking a language model. Provider specifics live behind Completer.
package enrich

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/medprep/qbank-admin/internal/model"
	"github.com/medprep/qbank-admin/internal/resilience"
	"github.com/medprep/qbank-admin/internal/validate"
)

// Prompt is a provider-neutral chat prompt.
type Prompt struct {
	System string
	User   string
}

// Completer sends a prompt to a model and returns its raw text reply.
// Failures should be classified as resilience.TransientError or
// resilience.PermanentError where the provider reports a status.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
	Name() string
}

// Config controls client-side pacing of model calls.
type Config struct {
	// RequestsPerMinute caps calls across every job sharing the enricher.
	// Zero disables the limit.
	RequestsPerMinute int
	// Burst is the limiter bucket size. Defaults to 1.
	Burst int
	// RequestTimeout bounds a single model call.
	RequestTimeout time.Duration
}

// Reply is the JSON object the model must return.
type Reply struct {
	Answer      string `json:"answer,omitempty"`
	Explanation string `json:"explanation"`
}

// LLMEnricher implements the job processor's Enricher with a Completer.
type LLMEnricher struct {
	completer Completer
	limiter   *rate.Limiter
	timeout   time.Duration
	schemas   *schemaSet
	log       *zap.Logger
}

// NewLLMEnricher creates an enricher. The limiter is shared by all callers.
func NewLLMEnricher(c Completer, cfg Config) (*LLMEnricher, error) {
	if c == nil {
		return nil, eris.New("enrich: completer is required")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &LLMEnricher{
		completer: c,
		limiter:   rate.NewLimiter(limit, burst),
		timeout:   timeout,
		schemas:   schemas,
		log:       zap.L().With(zap.String("component", "enrich"), zap.String("provider", c.Name())),
	}, nil
}

// Enrich returns a copy of row with the model's explanation and, when the
// original answer was invalid or empty, its corrected answer.
func (e *LLMEnricher) Enrich(ctx context.Context, row model.Row) (model.Row, error) {
	if !row.Kind.Valid() {
		return row, resilience.NewPermanentError(eris.Errorf("enrich: unknown sheet kind %q", row.Kind), 0)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return row, resilience.NewTransientError(eris.Wrap(err, "enrich: rate limiter"), 0)
	}

	needAnswer := needsAnswer(row)
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	text, err := e.completer.Complete(callCtx, buildPrompt(row, needAnswer))
	if err != nil {
		return row, classify(err)
	}

	reply, err := e.parseReply(row.Kind, needAnswer, text)
	if err != nil {
		e.log.Debug("rejected model reply",
			zap.String("sheet", string(row.Kind)),
			zap.Int("row", row.Index),
			zap.Error(err),
		)
		return row, resilience.NewPermanentError(err, 0)
	}

	return merge(row, reply, needAnswer), nil
}

func (e *LLMEnricher) parseReply(kind model.SheetKind, needAnswer bool, text string) (Reply, error) {
	raw := []byte(stripFences(text))
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Reply{}, eris.Wrap(err, "enrich: reply is not valid JSON")
	}
	if err := e.schemas.validate(kind, needAnswer, doc); err != nil {
		return Reply{}, err
	}
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Reply{}, eris.Wrap(err, "enrich: decode reply")
	}
	reply.Answer = strings.TrimSpace(reply.Answer)
	reply.Explanation = strings.TrimSpace(reply.Explanation)
	return reply, nil
}

// needsAnswer reports whether the row's answer must be supplied by the model.
func needsAnswer(row model.Row) bool {
	answer, ok := row.Get(model.ColumnAnswer)
	if !ok {
		return true
	}
	v := strings.TrimSpace(answer)
	if v == "" || v == "?" || validate.IsNoAnswer(v) {
		return true
	}
	return validate.CheckRow(row.Kind, row) != ""
}

func merge(row model.Row, reply Reply, needAnswer bool) model.Row {
	out := row.With(model.ColumnExplanation, reply.Explanation)
	if needAnswer && reply.Answer != "" {
		answer := reply.Answer
		if row.Kind.MultipleChoice() {
			answer = strings.ToUpper(answer)
		}
		out = out.With(model.ColumnAnswer, answer)
	}
	return out
}

// classify keeps provider classifications and sorts everything else into
// transient or permanent.
func classify(err error) error {
	if resilience.IsPermanent(err) {
		return err
	}
	if resilience.IsTransient(err) {
		return err
	}
	return resilience.NewPermanentError(err, 0)
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
