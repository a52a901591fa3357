package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joelkehle/agentflow/internal/activity"
	"github.com/joelkehle/agentflow/internal/directory"
	"github.com/joelkehle/agentflow/internal/pending"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// StatusError is returned for any response with status >= 400.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
}

func (c *Client) DoJSON(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return blob, resp.StatusCode, &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(blob))}
	}
	return blob, resp.StatusCode, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		blob, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = blob
	}
	blob, _, err := c.DoJSON(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Submit enqueues one raw message and returns its id and the queue depth.
func (c *Client) Submit(ctx context.Context, text string) (string, int, error) {
	var resp struct {
		MessageID  string `json:"message_id"`
		QueueDepth int    `json:"queue_depth"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/messages", map[string]any{"message": text}, &resp); err != nil {
		return "", 0, err
	}
	if strings.TrimSpace(resp.MessageID) == "" {
		return "", 0, fmt.Errorf("missing message_id in response")
	}
	return resp.MessageID, resp.QueueDepth, nil
}

func (c *Client) RegisterTag(ctx context.Context, name string) (directory.Tag, error) {
	var resp struct {
		Tag directory.Tag `json:"tag"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/tags", map[string]any{"name": name}, &resp)
	return resp.Tag, err
}

func (c *Client) RegisterAgent(ctx context.Context, input directory.AgentInput) (directory.Agent, error) {
	var resp struct {
		Agent directory.Agent `json:"agent"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/agents", input, &resp)
	return resp.Agent, err
}

func (c *Client) ListAgents(ctx context.Context) ([]directory.Agent, error) {
	var resp struct {
		Agents []directory.Agent `json:"agents"`
	}
	err := c.call(ctx, http.MethodGet, "/v1/agents", nil, &resp)
	return resp.Agents, err
}

func (c *Client) Pending(ctx context.Context) ([]pending.Entry, error) {
	var resp struct {
		Entries []pending.Entry `json:"entries"`
	}
	err := c.call(ctx, http.MethodGet, "/v1/pending", nil, &resp)
	return resp.Entries, err
}

// Activity long-polls for records after cursor. waitSec of zero returns
// immediately.
func (c *Client) Activity(ctx context.Context, cursor int64, waitSec int) ([]activity.Record, int64, error) {
	q := url.Values{}
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	q.Set("wait", strconv.Itoa(waitSec))
	var resp struct {
		Records []activity.Record `json:"records"`
		Cursor  int64             `json:"cursor"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/activity?"+q.Encode(), nil, &resp); err != nil {
		return nil, cursor, err
	}
	return resp.Records, resp.Cursor, nil
}
