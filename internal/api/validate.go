package api

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medprep/qbank-admin/internal/model"
	"github.com/medprep/qbank-admin/internal/sheet"
	"github.com/medprep/qbank-admin/internal/validate"
)

type validateResponse struct {
	SessionID string    `json:"sessionId"`
	FileName  string    `json:"fileName"`
	ExpiresAt time.Time `json:"expiresAt"`
	*model.ValidationResult
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, r, badRequest("file exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		s.writeError(w, r, badRequest("multipart field \"file\" is required"))
		return
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, badRequest("read upload: %v", err))
		return
	}

	wb, err := sheet.ReadWorkbook(data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := validate.Validate(wb)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	now := s.now().UTC()
	sess := &model.Session{
		ID:        uuid.NewString(),
		FileName:  filepath.Base(header.Filename),
		Result:    res,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.SaveSession(r.Context(), sess); err != nil {
		s.writeError(w, r, eris.Wrap(err, "api: save validation session"))
		return
	}

	s.log.Info("validated upload",
		zap.String("session_id", sess.ID),
		zap.Int("good", res.GoodCount),
		zap.Int("bad", res.BadCount),
	)
	writeJSON(w, http.StatusOK, validateResponse{
		SessionID:        sess.ID,
		FileName:         sess.FileName,
		ExpiresAt:        sess.ExpiresAt,
		ValidationResult: res,
	})
}

type exportRequest struct {
	Mode      model.ExportMode `json:"mode"`
	SessionID string           `json:"sessionId,omitempty"`
	FileName  string           `json:"fileName,omitempty"`
	Rows      []model.Row      `json:"rows,omitempty"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.Mode.Valid() {
		s.writeError(w, r, badRequest("mode must be %q or %q", model.ExportGood, model.ExportBad))
		return
	}

	res, fileName, err := s.resolveRows(r, req.SessionID, req.FileName, req.Rows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	exp, err := sheet.ExportValidation(res, req.Mode, fileName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeWorkbook(w, exp)
}

// resolveRows returns the validation result referenced by a session id, or
// the classification of inline rows.
func (s *Server) resolveRows(r *http.Request, sessionID, fileName string, rows []model.Row) (*model.ValidationResult, string, error) {
	switch {
	case sessionID != "" && len(rows) > 0:
		return nil, "", badRequest("give either sessionId or rows, not both")
	case sessionID != "":
		sess, err := s.sessions.GetSession(r.Context(), sessionID)
		if err != nil {
			return nil, "", err
		}
		if fileName == "" {
			fileName = sess.FileName
		}
		return sess.Result, fileName, nil
	case len(rows) > 0:
		res, err := validate.Validate(groupRows(rows))
		if err != nil {
			return nil, "", err
		}
		return res, fileName, nil
	default:
		return nil, "", badRequest("sessionId or rows is required")
	}
}

func groupRows(rows []model.Row) map[model.SheetKind][]model.Row {
	out := make(map[model.SheetKind][]model.Row)
	for _, row := range normalizeRows(rows) {
		out[row.Kind] = append(out[row.Kind], row)
	}
	return out
}

// normalizeRows fills in the column order of rows posted without one.
func normalizeRows(rows []model.Row) []model.Row {
	out := make([]model.Row, len(rows))
	for i, row := range rows {
		row = row.Clone()
		if len(row.Columns) == 0 {
			for col := range row.Values {
				row.Columns = append(row.Columns, col)
			}
			sort.Strings(row.Columns)
		}
		if row.Index == 0 {
			row.Index = i + 1
		}
		out[i] = row
	}
	return out
}
