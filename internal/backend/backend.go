// Package backend opens streaming completions from a language model
// service. Every implementation returns the model's output as JSON records
// of the form {"response":"..."} together with the framing they arrive in.
package backend

import (
	"context"
	"fmt"
	"io"

	"github.com/ashureev/llmchat/internal/domain"
	"github.com/containerd/errdefs"
)

// ErrBackend is wrapped by every failure to open or read a model stream.
var ErrBackend = fmt.Errorf("model backend %w", errdefs.ErrUnavailable)

// Request is a chat completion request.
type Request struct {
	Messages []domain.Message
	Model    string
}

// Response is an open model stream.
type Response struct {
	// ContentType is the declared framing of Body: text/event-stream for
	// data: records, anything else for newline-delimited records.
	ContentType string
	Body        io.ReadCloser
}

// Backend opens a streaming completion.
type Backend interface {
	// Stream returns the model's output. The caller must close the body.
	// Cancelling ctx aborts the stream.
	Stream(ctx context.Context, req Request) (*Response, error)
}

// nativeChunk is one newline-delimited record.
type nativeChunk struct {
	Response string `json:"response"`
}
