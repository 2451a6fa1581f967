package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/llmchat/internal/stream"
	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI streams completions from an OpenAI-compatible API and re-encodes
// the deltas as newline-delimited records.
type OpenAI struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI backend. An empty baseURL uses the public API.
func NewOpenAI(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" && baseURL != defaultOpenAIBaseURL {
		clientConfig.BaseURL = baseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientConfig), logger: logger}
}

func (b *OpenAI) Stream(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	s, err := b.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}

	pr, pw := io.Pipe()
	go b.pump(s, pw, req.Model)
	return &Response{
		ContentType: stream.ContentTypeNDJSON,
		Body:        &openAIStream{PipeReader: pr, upstream: s},
	}, nil
}

// pump copies stream deltas into pw until the stream ends or the reader
// goes away.
func (b *OpenAI) pump(s *openai.ChatCompletionStream, pw *io.PipeWriter, model string) {
	defer s.Close()

	enc := json.NewEncoder(pw)
	enc.SetEscapeHTML(false)
	for {
		resp, err := s.Recv()
		if errors.Is(err, io.EOF) {
			_ = pw.Close()
			return
		}
		if err != nil {
			b.logger.Warn("openai stream ended with error", "model", model, "error", err)
			_ = pw.CloseWithError(fmt.Errorf("%w: %w", ErrBackend, err))
			return
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := enc.Encode(nativeChunk{Response: choice.Delta.Content}); err != nil {
				return
			}
		}
	}
}

type openAIStream struct {
	*io.PipeReader
	upstream *openai.ChatCompletionStream
}

// Close stops the upstream request as well, so the pump goroutine exits even
// when it is blocked waiting for the next delta.
func (s *openAIStream) Close() error {
	err := s.PipeReader.Close()
	s.upstream.Close()
	return err
}
