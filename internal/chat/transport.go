package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/llmchat/internal/domain"
	"github.com/ashureev/llmchat/internal/stream"
	"github.com/coder/websocket"
	"github.com/containerd/errdefs"
)

// Request is the body sent to the chat endpoint.
type Request struct {
	Messages []domain.Message `json:"messages"`
	Model    string           `json:"model,omitempty"`
}

// Response is an open reply stream. Body must be closed by the caller.
type Response struct {
	ContentType string
	Body        io.ReadCloser
}

// Transport opens a reply stream for a request.
type Transport interface {
	Open(ctx context.Context, req Request) (Response, error)
}

// TransportError reports a failed request or reply stream.
type TransportError struct {
	// Status is the HTTP status code, or zero when no response was received.
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{errdefs.ErrUnavailable, e.Err}
}

// HTTPTransport posts requests to a server's /api/chat endpoint.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates an HTTPTransport. A nil client uses
// http.DefaultClient; streaming replies should not use a client timeout.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *HTTPTransport) Open(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Response{}, &TransportError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", stream.ContentTypeEventStream)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, &TransportError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected response %q", strings.TrimSpace(string(msg))),
		}
	}

	return Response{ContentType: resp.Header.Get("Content-Type"), Body: resp.Body}, nil
}

// WebSocketTransport sends requests over the server's /ws/chat endpoint. The
// server sends one event record per message, so the concatenated message
// payloads form an event stream.
type WebSocketTransport struct {
	url string
}

// NewWebSocketTransport creates a WebSocketTransport for a server base URL
// such as http://localhost:8080.
func NewWebSocketTransport(baseURL string) (*WebSocketTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path += "/ws/chat"
	return &WebSocketTransport{url: u.String()}, nil
}

func (t *WebSocketTransport) Open(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	conn, resp, err := websocket.Dial(ctx, t.url, nil)
	if err != nil {
		te := &TransportError{Err: err}
		if resp != nil {
			te.Status = resp.StatusCode
		}
		return Response{}, te
	}
	conn.SetReadLimit(1 << 20)

	if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
		_ = conn.CloseNow()
		return Response{}, &TransportError{Err: err}
	}

	return Response{
		ContentType: stream.ContentTypeEventStream,
		Body:        websocket.NetConn(ctx, conn, websocket.MessageText),
	}, nil
}
