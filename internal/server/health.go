package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/morezero/remote-server/pkg/db"
)

const healthLogPrefix = "server:health"

// Check results reported by /health.
const (
	checkOK       = "ok"
	checkFailed   = "failed"
	checkDisabled = "disabled"
)

// HealthOutput is the body of /health.
type HealthOutput struct {
	Status    string       `json:"status"`
	Checks    HealthChecks `json:"checks"`
	Worktrees int          `json:"worktrees"`
	Timestamp string       `json:"timestamp"`
}

// HealthChecks holds individual health check results.
type HealthChecks struct {
	Catalog string `json:"catalog"`
	COMMS   string `json:"comms"`
}

// WorktreeInfo describes an open worktree on /worktrees and the home page.
type WorktreeInfo struct {
	ID       uint64 `json:"id"`
	RootName string `json:"rootName"`
	AbsPath  string `json:"absPath"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth())
	mux.HandleFunc("/ready", s.handleReady())
	mux.HandleFunc("/worktrees", s.handleWorktrees())
	mux.HandleFunc("/catalog", s.handleCatalog())
	return mux
}

// Health checks the catalog and COMMS connection. Disabled components do not fail it.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{
		Status:    "healthy",
		Checks:    HealthChecks{Catalog: checkDisabled, COMMS: checkDisabled},
		Worktrees: s.remote.State().Len(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.catalog != nil {
		out.Checks.Catalog = checkOK
		if err := s.catalog.Ping(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - catalog check failed: %v", healthLogPrefix, err))
			out.Checks.Catalog = checkFailed
			out.Status = "unhealthy"
		}
	}
	if s.comms != nil {
		out.Checks.COMMS = checkOK
		if !s.comms.IsConnected() {
			out.Checks.COMMS = checkFailed
			out.Status = "unhealthy"
		}
	}
	return out
}

func (s *Server) worktrees() []WorktreeInfo {
	open := s.remote.State().Snapshot()
	out := make([]WorktreeInfo, 0, len(open))
	for _, w := range open {
		out = append(out, WorktreeInfo{ID: w.ID(), RootName: w.RootName(), AbsPath: w.AbsPath()})
	}
	return out
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		h := s.Health(ctx)
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	}
}

func (s *Server) handleReady() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}

func (s *Server) handleWorktrees() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"worktrees": s.worktrees()})
	}
}

// handleCatalog lists catalog rows of this process, or of every process with ?all=true.
func (s *Server) handleCatalog() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.catalog == nil {
			http.Error(w, "worktree catalog disabled", http.StatusNotFound)
			return
		}
		params := db.ListParams{ServerID: s.catalog.ServerID(), OpenOnly: r.URL.Query().Get("open") == "true"}
		if r.URL.Query().Get("all") == "true" {
			params.ServerID = ""
		}
		if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
			params.Limit = limit
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		records, err := s.catalog.ListWorktrees(ctx, params)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - catalog list: %v", healthLogPrefix, err))
			http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"serverId": s.catalog.ServerID(), "worktrees": records})
	}
}

// homePageTemplate is the HTML status page.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>remote-server</title>
  <style>
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
  </style>
</head>
<body>
  <h1>remote-server</h1>
  <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span>
     (catalog: {{.Health.Checks.Catalog}}, comms: {{.Health.Checks.COMMS}})</p>
  <p>Transport: {{.Transport}}</p>
  <h2>Worktrees</h2>
  {{if not .Worktrees}}
  <p>No open worktrees.</p>
  {{else}}
  <table>
    <tr><th>ID</th><th>Name</th><th>Path</th></tr>
    {{range .Worktrees}}
    <tr><td>{{.ID}}</td><td>{{.RootName}}</td><td>{{.AbsPath}}</td></tr>
    {{end}}
  </table>
  {{end}}
  <p class="meta">{{.Health.Timestamp}}</p>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Health    *HealthOutput
	Transport string
	Worktrees []WorktreeInfo
}

// handleHome returns an HTTP handler for the status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Health: s.Health(ctx), Transport: s.cfg.Transport, Worktrees: s.worktrees()}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", healthLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
