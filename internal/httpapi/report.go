package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/agentflow/internal/flow"
)

const reportActivity = 20

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	markdown, err := buildReport(r.Context(), s.svc)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(markdown))
		return
	}

	var content bytes.Buffer
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(markdown), &content); err != nil {
		writeAPIError(w, flow.NewInternalError(fmt.Sprintf("markdown convert: %v", err)))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<!doctype html><html><head><meta charset='utf-8'><title>agentflow status</title>" +
		"<style>body{font-family:sans-serif;max-width:1000px;margin:1rem auto;} table{border-collapse:collapse;width:100%;} " +
		"th,td{border:1px solid #a8a29e;padding:0.3rem 0.45rem;text-align:left;vertical-align:top;} thead th{background:#f1f5f9;}</style>" +
		"</head><body>"))
	_, _ = w.Write(content.Bytes())
	_, _ = w.Write([]byte("</body></html>"))
}

// buildReport renders the dashboard view as markdown: queue metrics, the
// pending store, registered agents and the latest activity.
func buildReport(ctx context.Context, svc flow.API) (string, error) {
	agents, err := svc.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	health := svc.Health()

	var b strings.Builder
	b.WriteString("# agentflow status\n\n")
	fmt.Fprintf(&b, "- Queue depth: %v\n", health["queue_depth"])
	fmt.Fprintf(&b, "- Pending tags: %v\n\n", health["pending"])

	b.WriteString("## Pending work\n\n")
	entries := svc.Pending()
	if len(entries) == 0 {
		b.WriteString("_No pending payloads._\n\n")
	} else {
		b.WriteString("| Tag | Pending | Payloads |\n|---|---|---|\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "| %d | %d | %d |\n", e.TagID, e.PendingCount, len(e.Payloads))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Agents\n\n")
	if len(agents) == 0 {
		b.WriteString("_No agents registered._\n\n")
	} else {
		b.WriteString("| ID | Name | Address | Tags | Last delivery |\n|---|---|---|---|---|\n")
		for _, a := range agents {
			last := "-"
			if h := svc.AgentHistory(a.ID); len(h) > 0 {
				last = h[0].Time.Format("2006-01-02 15:04:05")
				if !h[0].OK {
					last += " (failed)"
				}
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s |\n",
				a.ID, cell(a.Name), cell(a.Address), cell(strings.Join(a.Tags, ", ")), last)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Recent activity\n\n")
	records := svc.RecentActivity(reportActivity)
	if len(records) == 0 {
		b.WriteString("_Nothing yet._\n")
		return b.String(), nil
	}
	b.WriteString("| Time | Level | Title | Description |\n|---|---|---|---|\n")
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
			rec.Time.Format("15:04:05"), rec.Level, cell(rec.Title), cell(rec.Description))
	}
	return b.String(), nil
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
