package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nikicat/busvisor/internal/supervisor"
)

// Source is what the API reports on. *supervisor.Supervisor implements it.
type Source interface {
	Services() []supervisor.ServiceStatus
	History() []supervisor.Event
	Subscribe(supervisor.Observer)
	Unsubscribe(supervisor.Observer)
}

// Handlers provides HTTP handlers for the REST API.
type Handlers struct {
	source Source
}

// NewHandlers creates new API handlers.
func NewHandlers(source Source) *Handlers {
	return &Handlers{source: source}
}

// HandleStatus handles GET /api/v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	services := h.source.Services()
	resp := StatusResponse{
		Running:  true,
		Services: services,
	}
	for _, s := range services {
		if s.Connected {
			resp.Connected++
		}
	}
	writeJSON(w, resp)
}

// HandleHistory handles GET /api/v1/history. The optional limit query
// parameter keeps only the newest events.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	events := h.source.History()
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if len(events) > limit {
			events = events[len(events)-limit:]
		}
	}
	if events == nil {
		events = []supervisor.Event{}
	}
	writeJSON(w, HistoryResponse{Events: events})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
