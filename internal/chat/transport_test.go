package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/llmchat/internal/domain"
	"github.com/ashureev/llmchat/internal/stream"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportSendsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Empty(t, req.Model)

		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		_, _ = io.WriteString(w, "data: {\"response\":\"x\"}\n\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/", srv.Client())
	resp, err := tr.Open(context.Background(), Request{Messages: []domain.Message{domain.NewUserMessage("hi")}})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream; charset=utf-8", resp.ContentType)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"response\":\"x\"}\n\n", string(body))
}

func TestHTTPTransportMethodNotAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL, srv.Client()).Open(context.Background(), Request{})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusMethodNotAllowed, te.Status)
	assert.Contains(t, te.Error(), "Method not allowed")
}

func TestWebSocketTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.CloseNow()

		_, data, err := conn.Read(r.Context())
		if !assert.NoError(t, err) {
			return
		}
		var req Request
		assert.NoError(t, json.Unmarshal(data, &req))

		for _, frag := range []string{"echo: ", req.Messages[0].Content} {
			event, err := stream.EncodeEvent(frag)
			assert.NoError(t, err)
			assert.NoError(t, conn.Write(r.Context(), websocket.MessageText, event))
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	tr, err := NewWebSocketTransport(srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, err := tr.Open(ctx, Request{Messages: []domain.Message{domain.NewUserMessage("hello")}})
	require.NoError(t, err)
	defer resp.Body.Close()

	var final stream.Snapshot
	for snap, err := range stream.Reduce(stream.Records(ctx, resp.Body, stream.DecoderFor(resp.ContentType, nil))) {
		require.NoError(t, err)
		final = snap
	}
	assert.True(t, final.Final)
	assert.Equal(t, "echo: hello", final.Text)
}

func TestNewWebSocketTransportScheme(t *testing.T) {
	tr, err := NewWebSocketTransport("https://chat.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/ws/chat", tr.url)

	_, err = NewWebSocketTransport("ftp://example.com")
	assert.Error(t, err)
}
