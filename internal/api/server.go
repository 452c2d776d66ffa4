// Package api serves supervisor status over HTTP on a Unix socket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
)

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	wsHandler  *WSHandler
	listener   net.Listener
	socketPath string
}

// NewServer listens on socketPath and serves source. Only processes of the
// current user are allowed in.
func NewServer(socketPath string, source Source) (*Server, error) {
	handlers := NewHandlers(source)
	wsHandler := NewWSHandler(source)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", handlers.HandleStatus)
	mux.HandleFunc("/api/v1/history", handlers.HandleHistory)
	mux.HandleFunc("/api/v1/ws", wsHandler.HandleWS)

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	// A socket left behind by a previous run would make Listen fail.
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	httpServer := &http.Server{
		Handler:     sameUser(currentUID(), mux),
		ConnContext: connContext,
	}

	return &Server{
		httpServer: httpServer,
		handlers:   handlers,
		wsHandler:  wsHandler,
		listener:   listener,
		socketPath: socketPath,
	}, nil
}

// Start begins serving HTTP requests. This is non-blocking.
func (s *Server) Start() error {
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the socket path the server is listening on.
func (s *Server) Addr() string {
	return s.socketPath
}

// Shutdown gracefully shuts down the server and removes the socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHandler.CloseAll()
	err := s.httpServer.Shutdown(ctx)
	if rmErr := os.Remove(s.socketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		slog.Debug("failed to remove API socket", "path", s.socketPath, "error", rmErr)
	}
	return err
}
