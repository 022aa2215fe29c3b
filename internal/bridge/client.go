// Package bridge feeds filesystem activity into the memory API as
// observations, so sessions accumulate context without the editor's help.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Client talks to the local memory API on behalf of the watcher.
type Client struct {
	baseURL    string
	httpClient *http.Client
	sessionID  string
}

// NewClient creates a Client for the API at baseURL. Passing a nil
// httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// SessionID returns the session the client records into.
func (c *Client) SessionID() string {
	return c.sessionID
}

// UseSession binds the client to an existing session instead of starting a
// new one.
func (c *Client) UseSession(id string) {
	c.sessionID = id
}

// StartSession opens a fresh watcher session for the project and binds the
// client to it.
func (c *Client) StartSession(ctx context.Context, projectPath string) error {
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	err := c.postJSON(ctx, "/session/start", map[string]any{
		"projectPath": projectPath,
		"userPrompt":  "file-watcher session",
	}, &resp)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	if resp.SessionID == "" {
		return fmt.Errorf("starting session: empty session id in response")
	}
	c.sessionID = resp.SessionID
	return nil
}

// RecordChange captures one file write as a full observation: call, result,
// and a queued compression.
func (c *Client) RecordChange(ctx context.Context, relPath string, size int64, content string) error {
	args, err := json.Marshal(map[string]any{"path": relPath, "bytes": size})
	if err != nil {
		return fmt.Errorf("marshaling args: %w", err)
	}

	var call struct {
		ObservationID string `json:"observationId"`
	}
	err = c.postJSON(ctx, "/observe/call", map[string]any{
		"sessionId":    c.sessionID,
		"functionName": "write_file",
		"functionArgs": string(args),
	}, &call)
	if err != nil {
		return fmt.Errorf("recording call: %w", err)
	}
	if call.ObservationID == "" {
		return fmt.Errorf("recording call: no observation id in response")
	}

	err = c.postJSON(ctx, "/observe/result", map[string]any{
		"observationId": call.ObservationID,
		"result":        content,
	}, nil)
	if err != nil {
		return fmt.Errorf("recording result: %w", err)
	}

	err = c.postJSON(ctx, "/compress", map[string]any{
		"observationId": call.ObservationID,
	}, nil)
	if err != nil {
		return fmt.Errorf("queueing compression: %w", err)
	}
	return nil
}

// RecordDelete captures a file removal. Deletes carry no payload, so there
// is no result or compression step.
func (c *Client) RecordDelete(ctx context.Context, relPath string) error {
	args, err := json.Marshal(map[string]any{"path": relPath})
	if err != nil {
		return fmt.Errorf("marshaling args: %w", err)
	}
	err = c.postJSON(ctx, "/observe/call", map[string]any{
		"sessionId":    c.sessionID,
		"functionName": "delete_file",
		"functionArgs": string(args),
	}, nil)
	if err != nil {
		return fmt.Errorf("recording delete: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body map[string]any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
