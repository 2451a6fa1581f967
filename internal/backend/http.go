package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/llmchat/internal/domain"
)

// HTTP posts requests to a service that already streams {"response":...}
// records, such as a Workers AI style inference endpoint. The records may be
// newline-delimited or server-sent events; the response's Content-Type says
// which.
type HTTP struct {
	url    string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

type httpPayload struct {
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Model    string           `json:"model,omitempty"`
}

// NewHTTP creates an HTTP backend for url. apiKey is sent as a bearer token
// when set.
func NewHTTP(url, apiKey string, client *http.Client, logger *slog.Logger) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{url: url, apiKey: apiKey, client: client, logger: logger}
}

func (b *HTTP) Stream(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(httpPayload{Messages: req.Messages, Stream: true, Model: req.Model})
	if err != nil {
		return nil, fmt.Errorf("marshal backend request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		b.logger.Warn("backend rejected request",
			"status", resp.StatusCode,
			"model", req.Model,
			"body", strings.TrimSpace(string(msg)),
		)
		return nil, fmt.Errorf("%w: status %d", ErrBackend, resp.StatusCode)
	}

	return &Response{ContentType: resp.Header.Get("Content-Type"), Body: resp.Body}, nil
}
