package prereq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flowboard/internal/domain"
)

const defaultAPITimeout = 10 * time.Second

type externalAPIResponse struct {
	Satisfied bool   `json:"satisfied"`
	Message   string `json:"message"`
}

// checkExternalAPI calls out to a validation endpoint. Any transport
// failure, timeout or non-2xx status degrades to unsatisfied; nothing here
// may hang a cascade beyond the configured timeout.
func (e *Evaluator) checkExternalAPI(ctx context.Context, p domain.Prerequisite, proc *domain.Process, _ *domain.Kanban) (bool, string) {
	if p.URL == "" {
		return false, "external_api prerequisite without a url"
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return false, fmt.Sprintf("unsupported method %s", method)
	}
	timeout := defaultAPITimeout
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if method == http.MethodPost {
		payload := renderPayload(p.Payload, proc)
		data, err := json.Marshal(payload)
		if err != nil {
			return false, fmt.Sprintf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return false, fmt.Sprintf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("call %s: %v", p.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return false, fmt.Sprintf("%s returned status %d", p.URL, res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return false, fmt.Sprintf("read response: %v", err)
	}
	var out externalAPIResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return false, fmt.Sprintf("invalid response body: %v", err)
	}
	return out.Satisfied, out.Message
}

// renderPayload substitutes {{field}} templates with process field values.
func renderPayload(tmpl map[string]string, proc *domain.Process) map[string]any {
	out := make(map[string]any, len(tmpl)+1)
	if proc != nil {
		out["process_id"] = proc.ID
	}
	for key, raw := range tmpl {
		if strings.HasPrefix(raw, "{{") && strings.HasSuffix(raw, "}}") {
			name := strings.TrimSpace(raw[2 : len(raw)-2])
			if proc != nil {
				if v, ok := proc.FieldValues[name]; ok {
					out[key] = v
					continue
				}
			}
			out[key] = nil
			continue
		}
		out[key] = raw
	}
	return out
}
