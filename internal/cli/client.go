// Package cli provides a client for the busvisor API.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
)

// Client talks to a supervisor's API socket.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API listening on socketPath.
func NewClient(socketPath string) *Client {
	return newClient("http://busvisor", &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	})
}

func newClient(baseURL string, transport http.RoundTripper) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}
}

// ServiceStatus describes one supervised service.
// The cli package deliberately does not import internal/supervisor or
// internal/api.
type ServiceStatus struct {
	Name             string        `json:"name"`
	File             string        `json:"file"`
	Policy           string        `json:"policy"`
	InterfaceVersion uint32        `json:"interface_version"`
	State            string        `json:"state"`
	Connected        bool          `json:"connected"`
	Peer             string        `json:"peer,omitempty"`
	Since            time.Time     `json:"since"`
	RestartPending   bool          `json:"restart_pending"`
	RestartDelay     time.Duration `json:"restart_delay,omitempty"`
}

// Event is one entry of the supervision history.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Service string    `json:"service"`
	Time    time.Time `json:"time"`
}

// StatusResponse is the response from the status endpoint.
type StatusResponse struct {
	Running   bool            `json:"running"`
	Services  []ServiceStatus `json:"services"`
	Connected int             `json:"connected"`
}

// HistoryResponse is the response from the history endpoint.
type HistoryResponse struct {
	Events []Event `json:"events"`
}

// ErrorResponse is an error response from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Message is one message of the live stream.
type Message struct {
	Type     string          `json:"type"`
	Services []ServiceStatus `json:"services,omitempty"`
	Event    *Event          `json:"event,omitempty"`
}

// Status returns the supervised services.
func (c *Client) Status() ([]ServiceStatus, error) {
	var result StatusResponse
	if err := c.getJSON("/api/v1/status", &result); err != nil {
		return nil, err
	}
	return result.Services, nil
}

// History returns recorded events, oldest first. A positive limit keeps
// only the newest ones.
func (c *Client) History(limit int) ([]Event, error) {
	path := "/api/v1/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var result HistoryResponse
	if err := c.getJSON(path, &result); err != nil {
		return nil, err
	}
	return result.Events, nil
}

// Follow streams the live view: a snapshot first, then one message per
// event. It returns when ctx is cancelled, fn fails or the server goes away.
func (c *Client) Follow(ctx context.Context, fn func(Message) error) error {
	u, err := url.Parse(c.baseURL + "/api/v1/ws")
	if err != nil {
		return err
	}
	u.Scheme = "ws"

	// The dial goes through the HTTP client; a request timeout would cut
	// the stream.
	httpClient := *c.httpClient
	httpClient.Timeout = 0
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: &httpClient})
	if err != nil {
		return fmt.Errorf("connect to live stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read live stream: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		if err := fn(msg); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) getJSON(path string, v any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("%s", errResp.Error)
	}
	return fmt.Errorf("request failed: %s", resp.Status)
}
