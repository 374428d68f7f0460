// Package relay provides a client for the relay chat server: a WebSocket
// connection for sending and receiving messages and HTTP calls for history.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

// credentialField is both the handshake header and the HTTP cookie name.
const credentialField = "jwt"

// Close codes the server uses when it refuses a connection.
const (
	closeNoCredential      websocket.StatusCode = 4002
	closeInvalidCredential websocket.StatusCode = 4003
)

// ErrUnauthorized is returned when the server refuses the credential.
var ErrUnauthorized = errors.New("relay: credential refused")

// Client is a relay API client.
type Client struct {
	BaseURL    string
	WSURL      string
	Credential string
	HTTPClient *http.Client
}

// NewClient creates a new relay client.
func NewClient(baseURL, wsURL, credential string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if wsURL == "" {
		wsURL = "ws://localhost:8081"
	}

	return &Client{
		BaseURL:    baseURL,
		WSURL:      wsURL,
		Credential: credential,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Message is a chat message as the server sends it.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError is a non-2xx HTTP response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Status, e.Message)
}

// doRequest performs an authenticated GET.
func (c *Client) doRequest(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.Credential != "" {
		req.AddCookie(&http.Cookie{Name: credentialField, Value: c.Credential})
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		apiErr := &APIError{Status: resp.StatusCode, Message: errResp.Error}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
		}
		return nil, apiErr
	}

	return respBody, nil
}

// Conversation returns every message exchanged with contact, oldest first.
func (c *Client) Conversation(ctx context.Context, contact string) ([]Message, error) {
	respBody, err := c.doRequest(ctx, "/chat/"+url.PathEscape(contact))
	if err != nil {
		return nil, err
	}

	var messages []Message
	if err := json.Unmarshal(respBody, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// History returns every message sent or received by the caller.
func (c *Client) History(ctx context.Context) ([]Message, error) {
	respBody, err := c.doRequest(ctx, "/chat")
	if err != nil {
		return nil, err
	}

	var messages []Message
	if err := json.Unmarshal(respBody, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                     `json:"status"`
	Version   string                     `json:"version"`
	Online    int                        `json:"online"`
	Checks    map[string]json.RawMessage `json:"checks"`
	Timestamp string                     `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	respBody, err := c.doRequest(ctx, "/health")
	if err != nil {
		return nil, err
	}

	var resp HealthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Conn is a live session with the relay.
type Conn struct {
	ws *websocket.Conn
}

// Connect opens a session. Messages queued while the caller was offline
// arrive first on Receive.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	header := http.Header{}
	if c.Credential != "" {
		header.Set(credentialField, c.Credential)
	}

	ws, _, err := websocket.Dial(ctx, c.WSURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	return &Conn{ws: ws}, nil
}

type outboundFrame struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Send addresses message to identity to. The server does not acknowledge
// sends; a nil error only means the frame was written.
func (c *Conn) Send(ctx context.Context, to, message string) error {
	data, err := json.Marshal(outboundFrame{To: to, Message: message})
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Receive blocks until the next message arrives.
func (c *Conn) Receive(ctx context.Context) (*Message, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case closeNoCredential, closeInvalidCredential:
				return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
			}
			return nil, err
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("relay: decode message: %w", err)
		}
		return &msg, nil
	}
}

// Close ends the session.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
