package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return newClient(server.URL, http.DefaultTransport)
}

func TestClient_Status(t *testing.T) {
	services := []ServiceStatus{
		{Name: "org.test.A", State: "connected", Connected: true, Peer: ":1.7", Policy: "backoff"},
	}

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(StatusResponse{Running: true, Services: services, Connected: 1})
	})

	result, err := client.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(result) != 1 || result[0].Peer != ":1.7" {
		t.Errorf("unexpected services: %+v", result)
	}
}

func TestClient_History(t *testing.T) {
	var gotQuery string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/history" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(HistoryResponse{Events: []Event{
			{ID: "e1", Type: "connected", Service: "org.test.A"},
		}})
	})

	result, err := client.History(5)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if gotQuery != "limit=5" {
		t.Errorf("query = %q, want limit=5", gotQuery)
	}
	if len(result) != 1 || result[0].Type != "connected" {
		t.Errorf("unexpected events: %+v", result)
	}

	if _, err := client.History(0); err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if gotQuery != "" {
		t.Errorf("query = %q, want none without a limit", gotQuery)
	}
}

func TestClient_Error(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "forbidden"})
	})

	_, err := client.Status()
	if err == nil || err.Error() != "forbidden" {
		t.Errorf("expected forbidden error, got %v", err)
	}
}

func TestClient_ErrorWithoutBody(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.History(0)
	if err == nil || err.Error() != "request failed: 502 Bad Gateway" {
		t.Errorf("unexpected error: %v", err)
	}
}

func streamServer(t *testing.T, messages ...Message) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ws" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := r.Context()
		for _, msg := range messages {
			data, _ := json.Marshal(msg)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func TestClient_Follow(t *testing.T) {
	client := testClient(t, streamServer(t,
		Message{Type: "snapshot", Services: []ServiceStatus{{Name: "org.test.A"}}},
		Message{Type: "event", Event: &Event{ID: "e1", Type: "disconnected", Service: "org.test.A"}},
	))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []Message
	err := client.Follow(ctx, func(msg Message) error {
		got = append(got, msg)
		return nil
	})
	if err != nil {
		t.Fatalf("Follow failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Type != "snapshot" || len(got[0].Services) != 1 {
		t.Errorf("unexpected snapshot: %+v", got[0])
	}
	if got[1].Event == nil || got[1].Event.Type != "disconnected" {
		t.Errorf("unexpected event: %+v", got[1])
	}
}

func TestClient_FollowCallbackError(t *testing.T) {
	client := testClient(t, streamServer(t,
		Message{Type: "snapshot"},
		Message{Type: "event", Event: &Event{ID: "e1"}},
	))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop := errors.New("stop")
	calls := 0
	err := client.Follow(ctx, func(Message) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("Follow() = %v, want %v", err, stop)
	}
	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
}

func TestNewClient_UnixSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StatusResponse{Running: true, Services: []ServiceStatus{{Name: "org.test.Unix"}}})
	})}
	go srv.Serve(listener)
	defer srv.Close()

	services, err := NewClient(socketPath).Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(services) != 1 || services[0].Name != "org.test.Unix" {
		t.Errorf("unexpected services: %+v", services)
	}
}

func TestNewClient_NoServer(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	if _, err := client.Status(); err == nil {
		t.Error("expected an error without a server")
	}
}
