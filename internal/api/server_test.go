package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"github.com/xuri/excelize/v2"

	"github.com/medprep/qbank-admin/internal/auth"
	"github.com/medprep/qbank-admin/internal/jobs"
	"github.com/medprep/qbank-admin/internal/model"
	"github.com/medprep/qbank-admin/internal/store"
)

const adminToken = "tok-alice"

type enrichFunc func(ctx context.Context, row model.Row) (model.Row, error)

func (f enrichFunc) Enrich(ctx context.Context, row model.Row) (model.Row, error) {
	return f(ctx, row)
}

func explainAll(_ context.Context, row model.Row) (model.Row, error) {
	return row.With(model.ColumnExplanation, "explained"), nil
}

type testEnv struct {
	srv   *httptest.Server
	jobs  *jobs.Store
	proc  *jobs.Processor
	store *store.SQLiteStore
}

func newTestEnv(t *testing.T, enricher jobs.Enricher) *testEnv {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	tokens, err := auth.ParseStaticTokens([]string{"alice:" + adminToken, "bob:tok-bob"})
	require.NoError(t, err)

	js := jobs.NewStore(st)
	cfg := jobs.DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	proc := jobs.NewProcessor(js, enricher, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		proc.Shutdown(ctx) //nolint:errcheck
	})

	s := New(Deps{Jobs: js, Processor: proc, Sessions: st, Authorizer: tokens}, Config{
		SessionTTL:     time.Hour,
		AllowedOrigins: []string{"https://admin.example.org"},
	})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, jobs: js, proc: proc, store: st}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func upload(t *testing.T, e *testEnv, name string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/validate", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func workbook(t *testing.T, sheets map[string][][]string, order ...string) []byte {
	t.Helper()
	f := xlsx.NewFile()
	for _, name := range order {
		sh, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, cells := range sheets[name] {
			row := sh.AddRow()
			for _, c := range cells {
				row.AddCell().SetString(c)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func sampleWorkbook(t *testing.T) []byte {
	return workbook(t, map[string][][]string{
		"QCM": {
			{"Question", "Réponse"},
			{"Q1", "A"},
			{"Q2", "Z"},
		},
		"QROC": {
			{"Question", "Réponse"},
			{"Q3", "Insuline"},
		},
	}, "QCM", "QROC")
}

func waitForStatus(t *testing.T, e *testEnv, id string, want model.Status) model.JobSummary {
	t.Helper()
	var last model.JobSummary
	require.Eventually(t, func() bool {
		resp := e.do(t, http.MethodGet, "/api/jobs/"+id, adminToken, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		last = decode[model.JobSummary](t, resp)
		return last.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func TestHealth_NoAuth(t *testing.T) {
	e := newTestEnv(t, enrichFunc(explainAll))
	resp := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_RequiresAdmin(t *testing.T) {
	e := newTestEnv(t, enrichFunc(explainAll))
	for _, path := range []string{"/api/jobs", "/api/jobs/x", "/api/jobs/x/download"} {
		resp := e.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		resp = e.do(t, http.MethodGet, path, "wrong", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
	}
	resp := e.do(t, http.MethodPost, "/api/jobs", "", createJobRequest{FileName: "x.xlsx"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, e.jobs.List(context.Background(), jobs.Filter{}))
}

func TestCORS_Preflight(t *testing.T) {
	e := newTestEnv(t, enrichFunc(explainAll))
	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/api/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://admin.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "https://admin.example.org", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestValidate_ClassifiesAndStoresSession(t *testing.T) {
	e := newTestEnv(t, enrichFunc(explainAll))
	resp := upload(t, e, "bank.xlsx", sampleWorkbook(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[validateResponse](t, resp)
	assert.NotEmpty(t, body.SessionID)
	assert.Equal(t, "bank.xlsx", body.FileName)
	assert.Equal(t, 2, body.GoodCount)
	assert.Equal(t, 1, body.BadCount)
	require.Len(t, body.Bad, 1)
	assert.Contains(t, body.Bad[0].Reason, "Z")

	sess, err := e.store.GetSession(context.Background(), body.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Result.GoodCount)
}

func TestValidate_Errors(t *testing.T) {
	e := newTestEnv(t, enrichFunc(explainAll))

	resp := upload(t, e, "junk.xlsx", []byte("not a workbook"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	unknown := workbook(t, map[string][][]string{"Images": {{"Question", "Réponse"}, {"Q", "A"}}}, "Images")
	resp = upload(t, e, "bank.xlsx", unknown)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Contains(t, body["error"], "Images")

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/validate", strings.NewReader("x"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	noFile, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer noFile.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, noFile.StatusCode)
}

func TestExport_FromSession(t *testing.T) {
	e := newTestEnv(t, enrichFunc(explainAll))
	v := decode[validateResponse](t, upload(t, e, "bank.xlsx", sampleWorkbook(t)))

	resp := e.do(t, http.MethodPost, "/api/export", adminToken, exportRequest{Mode: model.ExportBad, SessionID: v.SessionID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "bank-bad.xlsx")

	f, err := excelize.OpenReader(resp.Body)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck
	rows, err := f.GetRows("QCM")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"question", "answer", "reason"}, rows[0])
	assert.Equal(t, "Q2", rows[1][0])
}

func TestExport_InlineRows(t *testing.T) {
	e := newTestEnv(t, enrichFunc(explainAll))
	resp := e.do(t, http.MethodPost, "/api/export", adminToken, exportRequest{
		Mode:     model.ExportGood,
		FileName: "inline.xlsx",
		Rows: []model.Row{
			{Kind: model.SheetQROC, Values: map[string]string{"question": "Q", "answer": "R"}},
			{Kind: model.SheetQROC, Values: map[string]string{"question": "Q", "answer": ""}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f, err := excelize.OpenReader(resp.Body)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck
	rows, err := f.GetRows("QROC")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestExport_BadRequests(t *testing.T) {
	e := newTestEnv(t, enrichFunc(explainAll))

	resp := e.do(t, http.MethodPost, "/api/export", adminToken, exportRequest{Mode: "all", SessionID: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/export", adminToken, exportRequest{Mode: model.ExportGood})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/export", adminToken, exportRequest{Mode: model.ExportGood, SessionID: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/export", adminToken, exportRequest{
		Mode: model.ExportGood,
		Rows: []model.Row{{Kind: "images", Values: map[string]string{"question": "Q"}}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestJobs_Lifecycle(t *testing.T) {
	e := newTestEnv(t, enrichFunc(explainAll))
	v := decode[validateResponse](t, upload(t, e, "bank.xlsx", sampleWorkbook(t)))

	resp := e.do(t, http.MethodPost, "/api/jobs", adminToken, createJobRequest{
		SessionID:        v.SessionID,
		Mode:             model.ExportGood,
		BatchConcurrency: 2,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decode[createJobResponse](t, resp)
	require.NotEmpty(t, created.JobID)

	done := waitForStatus(t, e, created.JobID, model.StatusCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, 2, done.TotalItems)
	assert.True(t, done.HasResult)
	assert.Equal(t, "bank.xlsx", done.FileName)
	assert.Equal(t, "alice", done.CreatedBy)
	assert.NotNil(t, done.CompletedAt)

	dl := e.do(t, http.MethodGet, "/api/jobs/"+created.JobID+"/download", adminToken, nil)
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Contains(t, dl.Header.Get("Content-Disposition"), "bank-corrected.xlsx")
	f, err := excelize.OpenReader(dl.Body)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck
	rows, err := f.GetRows("QCM")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Contains(t, rows[1], "explained")

	list := decode[listJobsResponse](t, e.do(t, http.MethodGet, "/api/jobs?phase=complete", adminToken, nil))
	require.Len(t, list.Jobs, 1)

	mine := decode[listJobsResponse](t, e.do(t, http.MethodGet, "/api/jobs?scope=mine", "tok-bob", nil))
	assert.Empty(t, mine.Jobs)

	del := e.do(t, http.MethodDelete, "/api/jobs/"+created.JobID, adminToken, nil)
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	gone := e.do(t, http.MethodGet, "/api/jobs/"+created.JobID, adminToken, nil)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestJobs_CancelAndConflicts(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	e := newTestEnv(t, enrichFunc(func(ctx context.Context, row model.Row) (model.Row, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return row, nil
	}))

	resp := e.do(t, http.MethodPost, "/api/jobs", adminToken, createJobRequest{
		FileName: "inline.xlsx",
		Rows: []model.Row{
			{Kind: model.SheetQROC, Values: map[string]string{"question": "Q", "answer": ""}},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decode[createJobResponse](t, resp).JobID

	notReady := e.do(t, http.MethodGet, "/api/jobs/"+id+"/download", adminToken, nil)
	assert.Equal(t, http.StatusConflict, notReady.StatusCode)

	active := e.do(t, http.MethodDelete, "/api/jobs/"+id, adminToken, nil)
	assert.Equal(t, http.StatusConflict, active.StatusCode)

	cancel := e.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", adminToken, nil)
	require.Equal(t, http.StatusOK, cancel.StatusCode)
	summary := decode[model.JobSummary](t, cancel)
	assert.Equal(t, model.StatusCancelled, summary.Status)
	assert.Equal(t, jobs.CancelledMessage, summary.Message)

	again := e.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", adminToken, nil)
	assert.Equal(t, http.StatusConflict, again.StatusCode)

	once.Do(func() { close(release) })
	missing := e.do(t, http.MethodPost, "/api/jobs/missing/cancel", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestJobs_CreateValidation(t *testing.T) {
	e := newTestEnv(t, enrichFunc(explainAll))
	tests := []struct {
		name   string
		req    createJobRequest
		status int
	}{
		{"no rows source", createJobRequest{}, http.StatusBadRequest},
		{"session without mode", createJobRequest{SessionID: "x"}, http.StatusBadRequest},
		{"missing session", createJobRequest{SessionID: "x", Mode: model.ExportBad}, http.StatusNotFound},
		{"concurrency too high", createJobRequest{FileName: "f", BatchConcurrency: 99}, http.StatusBadRequest},
		{"unknown kind", createJobRequest{FileName: "f", Rows: []model.Row{{Kind: "x"}}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, "/api/jobs", adminToken, tt.req)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Empty(t, e.jobs.List(context.Background(), jobs.Filter{}))
}

func TestJobs_EmptyRowsCompleteImmediately(t *testing.T) {
	e := newTestEnv(t, enrichFunc(explainAll))
	resp := e.do(t, http.MethodPost, "/api/jobs", adminToken, createJobRequest{FileName: "empty.xlsx"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decode[createJobResponse](t, resp)
	assert.Equal(t, model.StatusCompleted, created.Status)
}

func TestJobs_ListQueryErrors(t *testing.T) {
	e := newTestEnv(t, enrichFunc(explainAll))
	for _, q := range []string{"?scope=theirs", "?phase=done", "?limit=-1", "?limit=abc"} {
		resp := e.do(t, http.MethodGet, "/api/jobs"+q, adminToken, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}
