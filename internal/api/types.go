package api

import (
	"github.com/nikicat/busvisor/internal/supervisor"
)

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Running   bool                       `json:"running"`
	Services  []supervisor.ServiceStatus `json:"services"`
	Connected int                        `json:"connected"`
}

// HistoryResponse is returned by GET /api/v1/history.
type HistoryResponse struct {
	Events []supervisor.Event `json:"events"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WSMessage represents a message sent over the WebSocket.
type WSMessage struct {
	Type string `json:"type"`

	// For snapshot
	Services []supervisor.ServiceStatus `json:"services,omitempty"`

	// For event
	Event *supervisor.Event `json:"event,omitempty"`
}

// WebSocket message types.
const (
	MessageSnapshot = "snapshot"
	MessageEvent    = "event"
)
