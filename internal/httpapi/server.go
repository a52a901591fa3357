package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/joelkehle/agentflow/internal/directory"
	"github.com/joelkehle/agentflow/internal/flow"
)

const maxMessageBytes = 1 << 20

type Options struct {
	// RateLimit is the sustained number of message submissions per second.
	// Zero disables limiting.
	RateLimit float64
	Burst     int
}

type Server struct {
	svc     flow.API
	limiter *rate.Limiter
}

func NewServer(svc flow.API, opts Options) http.Handler {
	s := &Server{svc: svc}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/pending", s.handlePending)
	mux.HandleFunc("/v1/activity", s.handleActivity)
	mux.HandleFunc("/v1/observe", s.handleObserve)
	mux.HandleFunc("/v1/tags", s.handleTags)
	mux.HandleFunc("/v1/agents", s.handleAgents)
	mux.HandleFunc("/v1/agents/{id}/history", s.handleAgentHistory)
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.HandleFunc("/v1/system/status", s.handleSystemStatus)
	mux.HandleFunc("/v1/report", s.handleReport)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, err error) {
	var fe *flow.Error
	if errors.As(err, &fe) {
		payload := map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":      fe.Code,
				"message":   fe.Message,
				"transient": fe.Transient,
			},
		}
		if fe.RetryAfter > 0 {
			payload["error"].(map[string]any)["retry_after"] = fe.RetryAfter
			w.Header().Set("Retry-After", strconv.Itoa(fe.RetryAfter))
		}
		writeJSON(w, fe.Status, payload)
		return
	}
	writeJSON(w, 500, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      flow.CodeInternal,
			"message":   err.Error(),
			"transient": true,
		},
	})
}

// readBody reads at most maxMessageBytes. A longer body is rejected rather
// than truncated.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	blob, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, flow.NewTooLargeError(tooLarge.Limit)
		}
		return nil, flow.NewValidationError("unable to read body")
	}
	return blob, nil
}

// readJSONBody is readBody with an empty body read as {}.
func readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	blob, err := readBody(w, r)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

func parseInt(value string, def int) int {
	if strings.TrimSpace(value) == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return v
}

func parseWaitSeconds(value string) time.Duration {
	if strings.TrimSpace(value) == "" {
		return 0
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	if v < 0 {
		v = 0
	}
	return time.Duration(v) * time.Second
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) allow() error {
	if s.limiter == nil {
		return nil
	}
	res := s.limiter.Reserve()
	if !res.OK() {
		return flow.NewRateLimitedError(time.Second)
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return flow.NewRateLimitedError(d)
	}
	return nil
}

// messageText extracts the submitted message. A JSON object body carries
// it in "message"; anything else is taken verbatim.
func messageText(r *http.Request, blob []byte) (string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" {
		return string(blob), nil
	}
	var req struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		return "", flow.NewValidationJSONError(err)
	}
	if req.Message == nil {
		return "", flow.NewValidationError("message is required")
	}
	return *req.Message, nil
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	if err := s.allow(); err != nil {
		writeAPIError(w, err)
		return
	}
	blob, err := readBody(w, r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	text, err := messageText(r, blob)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	item, depth, err := s.svc.Submit(text)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":          true,
		"message_id":  item.ID,
		"queue_depth": depth,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true, "entries": s.svc.Pending()})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	cursor := int64(parseInt(r.URL.Query().Get("cursor"), 0))
	wait := parseWaitSeconds(r.URL.Query().Get("wait"))
	records, next := s.svc.ActivitySince(r.Context(), cursor, wait)
	writeJSON(w, 200, map[string]any{
		"ok":      true,
		"records": records,
		"cursor":  next,
	})
}

func parseObserveCursor(r *http.Request) int64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("cursor"))
	}
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, flow.NewInternalError("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	cursor := parseObserveCursor(r)
	bw := bufio.NewWriter(w)
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		records, last := s.svc.ActivitySince(ctx, cursor, 1*time.Second)
		if len(records) == 0 {
			if _, err := bw.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
			flusher.Flush()
			continue
		}

		for _, rec := range records {
			blob, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(bw, "id: %d\nevent: %s\ndata: ", rec.ID, rec.Level); err != nil {
				return
			}
			if _, err := bw.Write(blob); err != nil {
				return
			}
			if _, err := bw.WriteString("\n\n"); err != nil {
				return
			}
		}
		if err := bw.Flush(); err != nil {
			return
		}
		flusher.Flush()
		cursor = last
	}
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tags, err := s.svc.ListTags(r.Context())
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, 200, map[string]any{"ok": true, "tags": tags})
	case http.MethodPost:
		blob, err := readJSONBody(w, r)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(blob, &req); err != nil {
			writeAPIError(w, flow.NewValidationJSONError(err))
			return
		}
		tag, err := s.svc.RegisterTag(r.Context(), req.Name)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, 200, map[string]any{"ok": true, "tag": tag})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := s.svc.ListAgents(r.Context())
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, 200, map[string]any{"ok": true, "agents": agents})
	case http.MethodPost:
		blob, err := readJSONBody(w, r)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		var req directory.AgentInput
		if err := json.Unmarshal(blob, &req); err != nil {
			writeAPIError(w, flow.NewValidationJSONError(err))
			return
		}
		agent, err := s.svc.RegisterAgent(r.Context(), req)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, 200, map[string]any{"ok": true, "agent": agent})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeAPIError(w, flow.NewValidationError("agent id must be a positive integer"))
		return
	}
	writeJSON(w, 200, map[string]any{
		"ok":         true,
		"agent_id":   id,
		"deliveries": s.svc.AgentHistory(id),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, s.svc.Health())
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, 200, s.svc.SystemStatus())
}
