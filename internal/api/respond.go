package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/medprep/qbank-admin/internal/auth"
	"github.com/medprep/qbank-admin/internal/jobs"
	"github.com/medprep/qbank-admin/internal/sheet"
	"github.com/medprep/qbank-admin/internal/store"
	"github.com/medprep/qbank-admin/internal/validate"
)

// requestError is a client mistake reported verbatim.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var reqErr *requestError
	var schemaErr *validate.SchemaError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.status
	case errors.As(err, &schemaErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sheet.ErrCorruptFile):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidTransition), errors.Is(err, jobs.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, jobs.ErrProcessorClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	case http.StatusNotFound:
		msg = "not found"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func writeWorkbook(w http.ResponseWriter, exp *sheet.Export) {
	w.Header().Set("Content-Type", sheet.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exp.FileName))
	w.Header().Set("Content-Length", fmt.Sprint(len(exp.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(exp.Data); err != nil {
		zap.L().Debug("api: write workbook", zap.Error(err))
	}
}
