package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/joelkehle/agentflow/internal/delivery"
	"github.com/joelkehle/agentflow/internal/directory"
	"github.com/joelkehle/agentflow/internal/flow"
)

const sampleMessage = `<message>
    <tags>
        "tag": "Machine Learning,Data Processing"
    </tags>
    <data>
        "data": {'question': 'What is machine learning?'}
    </data>
</message>`

func newServiceForTest(queueCap int) *flow.Service {
	now := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	return flow.NewService(flow.Config{
		QueueCapacity: queueCap,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock: func() time.Time {
			return now
		},
	}, directory.NewMemory(), delivery.SenderFunc(func(_ context.Context, _ string, _ delivery.Envelope, _ int64) error {
		return nil
	}))
}

func newServerForTest() http.Handler {
	return NewServer(newServiceForTest(2), Options{})
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	blob, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(blob))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func postText(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		OK    bool `json:"ok"`
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body: %v body=%s", err, rr.Body.String())
	}
	if out.OK {
		t.Fatalf("expected ok=false: %s", rr.Body.String())
	}
	return out.Error.Code
}

func TestSubmitRawAndJSONMessages(t *testing.T) {
	h := newServerForTest()

	rr := postText(t, h, "/v1/messages", sampleMessage)
	if rr.Code != http.StatusOK {
		t.Fatalf("raw submit status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		MessageID  string `json:"message_id"`
		QueueDepth int    `json:"queue_depth"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if out.MessageID == "" || out.QueueDepth != 1 {
		t.Fatalf("unexpected submit response: %s", rr.Body.String())
	}

	rr = postJSON(t, h, "/v1/messages", map[string]any{"message": sampleMessage})
	if rr.Code != http.StatusOK {
		t.Fatalf("json submit status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = postText(t, h, "/v1/messages", sampleMessage)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on full queue, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", rr.Header().Get("Retry-After"))
	}
	if code := errorCode(t, rr); code != flow.CodeUnavailable {
		t.Fatalf("expected unavailable, got %s", code)
	}
}

func TestSubmitRejectsEmptyAndBadJSON(t *testing.T) {
	h := newServerForTest()

	rr := postText(t, h, "/v1/messages", "  \n ")
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != flow.CodeValidation {
		t.Fatalf("expected validation 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rr.Code)
	}

	rr = postJSON(t, h, "/v1/messages", map[string]any{"text": "x"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing message field, got %d", rr.Code)
	}

	rr = get(t, h, "/v1/messages")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestSubmitRejectsOversizedBody(t *testing.T) {
	h := newServerForTest()

	padding := strings.Repeat(" ", maxMessageBytes)
	rr := postText(t, h, "/v1/messages", sampleMessage+padding)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != flow.CodeTooLarge {
		t.Fatalf("expected too_large, got %s", code)
	}

	rr = postJSON(t, h, "/v1/tags", map[string]any{"name": padding})
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for tag body, got %d", rr.Code)
	}

	body := sampleMessage + strings.Repeat(" ", maxMessageBytes-len(sampleMessage))
	rr = postText(t, h, "/v1/messages", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("body at the limit status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		QueueDepth int `json:"queue_depth"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if out.QueueDepth != 1 {
		t.Fatalf("expected only the in-limit message queued, depth=%d", out.QueueDepth)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	h := NewServer(newServiceForTest(10), Options{RateLimit: 0.5, Burst: 1})

	if rr := postText(t, h, "/v1/messages", "one"); rr.Code != http.StatusOK {
		t.Fatalf("first submit status=%d", rr.Code)
	}
	rr := postText(t, h, "/v1/messages", "two")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if code := errorCode(t, rr); code != flow.CodeRateLimited {
		t.Fatalf("expected rate_limited, got %s", code)
	}
}

func TestRegisterAndListAgentsAndTags(t *testing.T) {
	h := newServerForTest()

	rr := postJSON(t, h, "/v1/tags", map[string]any{"name": "Cybersecurity"})
	if rr.Code != http.StatusOK {
		t.Fatalf("register tag status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = postJSON(t, h, "/v1/agents", map[string]any{
		"name": "ml-agent", "address": "5000", "tags": []string{"Machine Learning"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("register agent status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = get(t, h, "/v1/agents")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"agent_name":"ml-agent"`) {
		t.Fatalf("unexpected agents list: %d %s", rr.Code, rr.Body.String())
	}
	rr = get(t, h, "/v1/tags")
	body := rr.Body.String()
	if !strings.Contains(body, "Cybersecurity") || !strings.Contains(body, "Machine Learning") {
		t.Fatalf("expected both tags listed: %s", body)
	}

	rr = postJSON(t, h, "/v1/agents", map[string]any{"name": "bad", "address": "ftp://x:1"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported address, got %d", rr.Code)
	}
	rr = postJSON(t, h, "/v1/tags", map[string]any{"name": " "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty tag, got %d", rr.Code)
	}
}

func TestAgentHistoryValidatesID(t *testing.T) {
	h := newServerForTest()

	rr := get(t, h, "/v1/agents/abc/history")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	rr = get(t, h, "/v1/agents/7/history")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"deliveries":[]`) {
		t.Fatalf("unexpected history response: %d %s", rr.Code, rr.Body.String())
	}
}

func TestActivityCursor(t *testing.T) {
	h := newServerForTest()
	postText(t, h, "/v1/messages", sampleMessage)

	rr := get(t, h, "/v1/activity?cursor=0&wait=0")
	var out struct {
		Records []struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
		} `json:"records"`
		Cursor int64 `json:"cursor"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode activity: %v", err)
	}
	if len(out.Records) != 1 || out.Records[0].Title != "Message Received" {
		t.Fatalf("unexpected records: %s", rr.Body.String())
	}
	if out.Cursor != out.Records[0].ID {
		t.Fatalf("cursor=%d want %d", out.Cursor, out.Records[0].ID)
	}

	rr = get(t, h, "/v1/activity?cursor=1&wait=0")
	if !strings.Contains(rr.Body.String(), `"records":[]`) {
		t.Fatalf("expected no records after cursor: %s", rr.Body.String())
	}
}

func TestPendingHealthAndStatus(t *testing.T) {
	h := newServerForTest()

	rr := get(t, h, "/v1/pending")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"entries":[]`) {
		t.Fatalf("unexpected pending: %d %s", rr.Code, rr.Body.String())
	}
	rr = get(t, h, "/v1/health")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"healthy"`) {
		t.Fatalf("unexpected health: %d %s", rr.Code, rr.Body.String())
	}
	rr = get(t, h, "/v1/system/status")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"queue_capacity":2`) {
		t.Fatalf("unexpected status: %d %s", rr.Code, rr.Body.String())
	}
}

func TestReportRendersHTML(t *testing.T) {
	h := newServerForTest()
	postJSON(t, h, "/v1/agents", map[string]any{"name": "ml|agent", "address": "5000", "tags": []string{"ML"}})

	rr := get(t, h, "/v1/report?format=markdown")
	if rr.Code != http.StatusOK {
		t.Fatalf("markdown report status=%d", rr.Code)
	}
	md := rr.Body.String()
	if !strings.Contains(md, "| 1 | ml\\|agent | 5000 | ML | - |") {
		t.Fatalf("agent row missing from markdown: %s", md)
	}

	rr = get(t, h, "/v1/report")
	if rr.Code != http.StatusOK {
		t.Fatalf("html report status=%d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content-type=%q", ct)
	}
	html := rr.Body.String()
	if !strings.Contains(html, "<h1>agentflow status</h1>") || !strings.Contains(html, "<table>") {
		t.Fatalf("unexpected html: %s", html)
	}
}
