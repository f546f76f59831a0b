package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/a-h/templ"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/kiln/internal/build"
	"github.com/conneroisu/kiln/internal/version"
)

//go:generate templ generate -f status.templ

// TaskStatus is one row of the status page.
type TaskStatus struct {
	Task     string        `json:"task"`
	Title    string        `json:"title"`
	OK       bool          `json:"ok"`
	Trigger  string        `json:"trigger"`
	Written  int           `json:"written"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
	Finished time.Time     `json:"finished"`
	Error    string        `json:"error,omitempty"`
}

// Status returns the latest result of every task that has run.
func (s *Server) Status() []TaskStatus {
	if s.recorder == nil {
		return nil
	}

	title := cases.Title(language.English)
	results := s.recorder.Results()

	rows := make([]TaskStatus, 0, len(results))
	for _, res := range results {
		rows = append(rows, statusRow(title, res))
	}

	return rows
}

func statusRow(title cases.Caser, res build.Result) TaskStatus {
	kind := string(res.Kind)
	if kind == "" {
		kind = res.Task
	}

	row := TaskStatus{
		Task:     res.Task,
		Title:    title.String(kind),
		OK:       res.Error == nil,
		Trigger:  res.Trigger,
		Written:  len(res.Written),
		Skipped:  res.Skipped,
		Duration: res.Duration,
		Finished: res.Finished,
	}
	if res.Error != nil {
		row.Error = res.Error.Error()
	}

	return row
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rows := s.Status()

	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, rows)
		return
	}

	templ.Handler(statusPage(rows, version.GetBuildInfo().Short(), s.ws.ClientCount())).ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.GetBuildInfo()

	s.serverMutex.RLock()
	started := s.started
	s.serverMutex.RUnlock()

	status := "healthy"
	failing := s.collector.All()
	if len(failing) > 0 {
		status = "degraded"
	}

	tasks := make([]string, 0, len(failing))
	for _, entry := range failing {
		tasks = append(tasks, entry.Task)
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   info.Short(),
		"clients":   s.ws.ClientCount(),
		"failing":   tasks,
	}
	if !started.IsZero() {
		health["uptime"] = time.Since(started).Round(time.Second).String()
	}

	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
