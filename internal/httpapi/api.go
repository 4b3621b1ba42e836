// Package httpapi exposes the engine's thin read-only HTTP surface:
// GET /tasks, GET /tasks/status/{status}, GET /task_history.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fluxforge/taskengine/internal/task"
)

// Store is the subset of task.Store the API needs.
type Store interface {
	List() []*task.Task
	ListByStatus(status task.Status) []*task.Task
	ListHistory() []*task.Task
}

// API serves the read-only task surface.
type API struct {
	store Store
}

// New builds an API backed by store.
func New(store Store) *API {
	return &API{store: store}
}

// listResponse is the envelope for every task listing.
type listResponse struct {
	TotalCount int          `json:"totalCount"`
	Data       []*task.Task `json:"data"`
}

func envelope(tasks []*task.Task) listResponse {
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return listResponse{TotalCount: len(tasks), Data: tasks}
}

// Mux builds an http.ServeMux with every route registered.
func (a *API) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tasks", a.handleListTasks)
	mux.HandleFunc("GET /tasks/status/{status}", a.handleListByStatus)
	mux.HandleFunc("GET /task_history", a.handleHistory)
	return mux
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope(a.store.List()))
}

func (a *API) handleListByStatus(w http.ResponseWriter, r *http.Request) {
	raw := strings.ToUpper(r.PathValue("status"))
	status := task.Status(raw)
	if !isKnownStatus(status) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "unknown status: " + raw})
		return
	}
	writeJSON(w, http.StatusOK, envelope(a.store.ListByStatus(status)))
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope(a.store.ListHistory()))
}

func isKnownStatus(s task.Status) bool {
	switch s {
	case task.Pending, task.Queued, task.Scheduled, task.Running, task.Done, task.Failed, task.Retry, task.Timeout:
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
