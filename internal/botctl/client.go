package botctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client wraps API calls.
type Client struct {
	BaseURL string
	Token   string
	// Timeout bounds each request; zero waits as long as the server takes.
	Timeout time.Duration
}

// APIError is a non-2xx response. Detail holds the decoded "detail" field,
// which is a string for most errors and an object for failed starts.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Detail     interface{}
}

func (e *APIError) Error() string {
	switch d := e.Detail.(type) {
	case nil:
		return fmt.Sprintf("%s %s failed: %s", e.Method, e.Path, e.Status)
	case string:
		return fmt.Sprintf("%s %s failed (%d): %s", e.Method, e.Path, e.StatusCode, d)
	case map[string]interface{}:
		if status, ok := d["status"].(string); ok {
			if msg, ok := d["error"].(string); ok && msg != "" {
				return fmt.Sprintf("%s %s failed (%d): %s: %s", e.Method, e.Path, e.StatusCode, status, msg)
			}
			return fmt.Sprintf("%s %s failed (%d): %s", e.Method, e.Path, e.StatusCode, status)
		}
	}
	raw, _ := json.Marshal(e.Detail)
	return fmt.Sprintf("%s %s failed (%d): %s", e.Method, e.Path, e.StatusCode, raw)
}

// DetailLogs extracts container or build logs from a structured detail.
func (e *APIError) DetailLogs() string {
	m, ok := e.Detail.(map[string]interface{})
	if !ok {
		return ""
	}
	logs, _ := m["logs"].(string)
	return logs
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, target interface{}) error {
	httpClient := &http.Client{Timeout: c.Timeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
		var body struct {
			Detail interface{} `json:"detail"`
		}
		if data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20)); readErr == nil && json.Unmarshal(data, &body) == nil {
			apiErr.Detail = body.Detail
		}
		return apiErr
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// GetJSON issues a GET and decodes the JSON response into target.
func (c *Client) GetJSON(ctx context.Context, path string, target interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, target)
}

// PostJSON sends payload (may be nil) as JSON and decodes the response.
func (c *Client) PostJSON(ctx context.Context, path string, payload interface{}, target interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return c.do(req, target)
}

// Delete issues a DELETE and decodes the response.
func (c *Client) Delete(ctx context.Context, path string, target interface{}) error {
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, target)
}

// StreamEvents opens the SSE feed and invokes handler for each event. Returning false stops the stream.
func (c *Client) StreamEvents(ctx context.Context, handler func(EventEnvelope) bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	httpClient := &http.Client{}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s failed: %s", "/events", resp.Status)
	}
	return readEvents(ctx, resp.Body, handler)
}

func readEvents(ctx context.Context, body io.Reader, handler func(EventEnvelope) bool) error {
	reader := bufio.NewReader(body)
	var (
		eventType string
		eventID   string
		dataLines []string
	)

	dispatch := func() bool {
		if len(dataLines) == 0 {
			return true
		}
		raw := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]

		var envelope EventEnvelope
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			return true
		}
		if envelope.Type == "" {
			envelope.Type = eventType
		}
		if envelope.ID == "" {
			envelope.ID = eventID
		}
		if handler != nil {
			return handler(envelope)
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if !dispatch() {
				return nil
			}
			eventType = ""
			eventID = ""
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "id:"):
			eventID = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}
	}
}
