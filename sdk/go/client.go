package flowboardsdk

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

// Client is a minimal Flowboard HTTP API client.
type Client struct {
	BaseURL     string
	ActorID     string
	BearerToken string
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

// Process represents the API process model.
type Process struct {
	ID            string             `json:"process_id"`
	KanbanID      string             `json:"kanban_id"`
	CurrentState  string             `json:"current_state"`
	PreviousState string             `json:"previous_state,omitempty"`
	FieldValues   map[string]any     `json:"field_values,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	CreatedAt     string             `json:"created_at"`
	UpdatedAt     string             `json:"updated_at"`
	History       []TransitionRecord `json:"history,omitempty"`
}

// TransitionRecord is one history entry.
type TransitionRecord struct {
	ID                  int64          `json:"id,omitempty"`
	ProcessID           string         `json:"process_id"`
	KanbanID            string         `json:"kanban_id"`
	FromState           string         `json:"from_state"`
	ToState             string         `json:"to_state"`
	Timestamp           string         `json:"timestamp"`
	TriggeredBy         string         `json:"triggered_by"`
	Justification       string         `json:"justification,omitempty"`
	PrerequisitesStatus map[string]any `json:"prerequisites_status,omitempty"`
	WasAnomaly          bool           `json:"was_anomaly,omitempty"`
	AnomalyReason       string         `json:"anomaly_reason,omitempty"`
}

// ValidationReport is the dry-run verdict for a transition.
type ValidationReport struct {
	TransitionValid bool     `json:"transition_valid"`
	CanProceed      bool     `json:"can_proceed"`
	Reasons         []string `json:"reasons,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Errors          []string `json:"errors,omitempty"`
	Recommended     bool     `json:"recommended,omitempty"`
	Warned          bool     `json:"warned,omitempty"`
}

// SweepResult aggregates one auto-transition batch run.
type SweepResult struct {
	Checked     int      `json:"processes_checked"`
	Progressed  int      `json:"processes_progressed"`
	Transitions int      `json:"transitions_executed"`
	Errors      int      `json:"errors"`
	Failures    []string `json:"failures,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProcess starts a process on a kanban.
func (c *Client) CreateProcess(ctx context.Context, kanbanID string, fieldValues map[string]any) (Process, error) {
	body := map[string]any{
		"kanban_id":    kanbanID,
		"field_values": fieldValues,
	}
	var resp Process
	err := c.do(ctx, http.MethodPost, "v0/processes", body, &resp)
	return resp, err
}

// GetProcess fetches a process with its history.
func (c *Client) GetProcess(ctx context.Context, processID string) (Process, error) {
	var resp Process
	endpoint := fmt.Sprintf("v0/processes/%s", url.PathEscape(processID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateFields merges values into the process field set.
func (c *Client) UpdateFields(ctx context.Context, processID string, values map[string]any) (Process, error) {
	body := map[string]any{"values": values}
	var resp Process
	endpoint := fmt.Sprintf("v0/processes/%s/fields", url.PathEscape(processID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Transition moves a process to another state.
func (c *Client) Transition(ctx context.Context, processID, to, justification string) (TransitionRecord, error) {
	body := map[string]any{
		"to":            to,
		"justification": justification,
	}
	var resp TransitionRecord
	endpoint := fmt.Sprintf("v0/processes/%s/transition", url.PathEscape(processID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ValidateTransition dry-runs a transition check.
func (c *Client) ValidateTransition(ctx context.Context, processID, to string) (ValidationReport, error) {
	body := map[string]any{"to": to}
	var resp ValidationReport
	endpoint := fmt.Sprintf("v0/processes/%s/transition/validate", url.PathEscape(processID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ForceTransition jumps a process into a state with a mandatory justification.
func (c *Client) ForceTransition(ctx context.Context, processID, to, justification string) (TransitionRecord, error) {
	body := map[string]any{
		"to":            to,
		"justification": justification,
	}
	var resp TransitionRecord
	endpoint := fmt.Sprintf("v0/processes/%s/force", url.PathEscape(processID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// History returns the append-order transition history.
func (c *Client) History(ctx context.Context, processID string) ([]TransitionRecord, error) {
	var resp []TransitionRecord
	endpoint := fmt.Sprintf("v0/processes/%s/transitions/history", url.PathEscape(processID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AutoTransition cascades automatic transitions for one process.
func (c *Client) AutoTransition(ctx context.Context, processID string) ([]TransitionRecord, error) {
	var resp struct {
		Executed []TransitionRecord `json:"executed"`
	}
	endpoint := fmt.Sprintf("v0/auto-transition/process/%s", url.PathEscape(processID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Executed, err
}

// AutoTransitionAll sweeps every process.
func (c *Client) AutoTransitionAll(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, "v0/auto-transition/all", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
