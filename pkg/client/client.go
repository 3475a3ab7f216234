// Package client is an HTTP client for the qbank admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/medprep/qbank-admin/internal/model"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qbank api: %d %s", e.StatusCode, e.Message)
}

// Client talks to a running server with an admin token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	// Scope and Phase filter ListJobs.
	Scope string
	Phase model.Phase
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for baseURL.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListJobs implements poll.Source.
func (c *Client) ListJobs(ctx context.Context) ([]model.JobSummary, error) {
	q := url.Values{}
	if c.Scope != "" {
		q.Set("scope", c.Scope)
	}
	if c.Phase != "" {
		q.Set("phase", string(c.Phase))
	}
	path := "/api/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Jobs []model.JobSummary `json:"jobs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// GetJob returns one job summary.
func (c *Client) GetJob(ctx context.Context, id string) (*model.JobSummary, error) {
	var out model.JobSummary
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelJob cancels an active job.
func (c *Client) CancelJob(ctx context.Context, id string) (*model.JobSummary, error) {
	var out model.JobSummary
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteJob removes a terminal job.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, nil)
}

// Download fetches a completed job's workbook and the server's file name.
func (c *Client) Download(ctx context.Context, id string) ([]byte, string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id)+"/download", nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", eris.Wrap(err, "client: read download")
	}
	name := id + ".xlsx"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return data, name, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "client: marshal request")
		}
		rdr = bytes.NewReader(b)
	}
	resp, err := c.do(ctx, method, path, rdr)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrapf(err, "client: decode %s %s", method, path)
	}
	return nil
}

// do sends a request and converts non-2xx responses into *APIError.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, eris.Wrap(err, "client: build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "client: %s %s", method, path)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close() //nolint:errcheck

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	}
	return nil, apiErr
}
