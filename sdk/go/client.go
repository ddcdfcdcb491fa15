// Package interlocksdk is a minimal Interlock HTTP API client.
package interlocksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to an Interlock server.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run is the API run model.
type Run struct {
	ID        string `json:"run_id"`
	SubjectID string `json:"subject_id"`
	Stage     string `json:"stage"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Snapshot is the working-state payload. Artifact contents are left as
// raw JSON so callers can shape them freely.
type Snapshot map[string]any

// GateResult is a validation verdict.
type GateResult struct {
	Status  string   `json:"status"`
	Reasons []string `json:"reasons"`
	Fixes   []string `json:"fixes,omitempty"`
}

// SubmitResult is the outcome of one submission.
type SubmitResult struct {
	RunID        string              `json:"run_id"`
	Status       string              `json:"status"`
	Stage        string              `json:"stage"`
	NextStage    string              `json:"next_stage,omitempty"`
	Guidance     string              `json:"guidance,omitempty"`
	Gate         GateResult          `json:"gate"`
	AttemptCount int                 `json:"attempt_count"`
	Report       *InvalidationReport `json:"invalidation_report,omitempty"`
}

// InvalidationReport is the terminal artifact of a fail-closed run.
type InvalidationReport struct {
	RunID       string `json:"run_id"`
	FailedStage string `json:"failed_stage"`
	Reason      string `json:"reason"`
	Fixable     bool   `json:"fixable"`
	NextInput   string `json:"minimal_next_input,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// BeginResult is the starting state of a new run.
type BeginResult struct {
	Run      Run      `json:"run"`
	Snapshot Snapshot `json:"snapshot"`
	Guidance string   `json:"guidance"`
}

// Event is one entry in a run's history.
type Event struct {
	RunID   string `json:"run_id"`
	Seq     int64  `json:"sequence_number"`
	Type    string `json:"event_type"`
	Stage   string `json:"stage"`
	TS      string `json:"timestamp"`
	Payload string `json:"payload_json"`
}

// EventPage wraps event listings with a cursor.
type EventPage struct {
	Events     []Event `json:"events"`
	NextCursor int64   `json:"next_cursor,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// BeginRun starts a run for a work item.
func (c *Client) BeginRun(ctx context.Context, subjectID, title, description string) (BeginResult, error) {
	body := map[string]any{
		"subject_id": subjectID,
		"title":      title,
	}
	if description != "" {
		body["description"] = description
	}
	var resp BeginResult
	err := c.do(ctx, http.MethodPost, "v0/runs", body, &resp)
	return resp, err
}

// Submit sends a snapshot for validation against the run's current stage.
func (c *Client) Submit(ctx context.Context, runID string, snapshot Snapshot) (SubmitResult, error) {
	var resp SubmitResult
	endpoint := fmt.Sprintf("v0/runs/%s/submit", url.PathEscape(runID))
	err := c.do(ctx, http.MethodPost, endpoint, snapshot, &resp)
	return resp, err
}

// Run fetches a run's current state.
func (c *Client) Run(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// Runs lists runs, optionally filtered by status.
func (c *Client) Runs(ctx context.Context, status string) ([]Run, error) {
	endpoint := "v0/runs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// LatestSnapshot fetches the run's latest accepted snapshot.
func (c *Client) LatestSnapshot(ctx context.Context, runID string) (Snapshot, error) {
	var resp Snapshot
	endpoint := fmt.Sprintf("v0/runs/%s/snapshot", url.PathEscape(runID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns a page of the run's event stream.
func (c *Client) Events(ctx context.Context, runID string, after int64, limit int) (EventPage, error) {
	endpoint := fmt.Sprintf("v0/runs/%s/events", url.PathEscape(runID))
	params := url.Values{}
	if after > 0 {
		params.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Report fetches the invalidation report of a fail-closed run.
func (c *Client) Report(ctx context.Context, runID string) (InvalidationReport, error) {
	var resp InvalidationReport
	endpoint := fmt.Sprintf("v0/runs/%s/report", url.PathEscape(runID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Export streams the run's event or snapshot log as newline-delimited
// JSON into w. Stream is "events" or "snapshots".
func (c *Client) Export(ctx context.Context, runID, stream string, w io.Writer) error {
	endpoint := fmt.Sprintf("v0/runs/%s/export", url.PathEscape(runID))
	if stream != "" {
		endpoint += "?stream=" + url.QueryEscape(stream)
	}
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	if body == nil {
		body = bytes.NewReader(nil)
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	return req, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
