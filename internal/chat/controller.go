// Package chat drives a single conversation turn: it records the user
// message, streams the model's reply into a render sink and commits the
// finished assistant message.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/llmchat/internal/domain"
	"github.com/ashureev/llmchat/internal/session"
	"github.com/ashureev/llmchat/internal/stream"
	"github.com/containerd/errdefs"
)

// ErrorText is shown in place of the assistant reply when a turn fails.
const ErrorText = "Sorry, there was an error processing your request."

var (
	ErrEmptyInput   = fmt.Errorf("empty message: %w", errdefs.ErrInvalidArgument)
	ErrTurnInFlight = fmt.Errorf("a response is already streaming for this session: %w", errdefs.ErrConflict)
)

// State is the phase of a session's current turn.
type State int

const (
	Idle State = iota
	AwaitingFirstByte
	Streaming
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingFirstByte:
		return "awaiting_first_byte"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) inFlight() bool {
	return s == AwaitingFirstByte || s == Streaming
}

// Sink receives the visible progress of a turn.
type Sink interface {
	// Render is called with every snapshot in order. Returning an error
	// abandons the turn.
	Render(snap stream.Snapshot) error
	// Fail is called once when the turn fails.
	Fail(text string)
}

// Controller runs chat turns against a session store and a transport.
type Controller struct {
	sessions  *session.Store
	transport Transport
	model     string
	logger    *slog.Logger

	mu     sync.Mutex
	states map[string]State
}

// NewController creates a Controller. model may be empty to let the server
// choose.
func NewController(sessions *session.Store, transport Transport, model string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sessions:  sessions,
		transport: transport,
		model:     model,
		logger:    logger,
		states:    make(map[string]State),
	}
}

// State returns the turn state of a session.
func (c *Controller) State(sessionID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[sessionID]
}

func (c *Controller) setState(sessionID string, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == Idle {
		delete(c.states, sessionID)
		return
	}
	c.states[sessionID] = s
}

func (c *Controller) begin(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.states[sessionID].inFlight() {
		return ErrTurnInFlight
	}
	c.states[sessionID] = AwaitingFirstByte
	return nil
}

// Submit sends text as a user message on session sessionID and streams the
// reply into sink. It returns the assistant message that was persisted.
//
// The user message is persisted before the request is sent. On a transport
// failure the sink's Fail is called once and no assistant message is stored.
// If ctx is cancelled or the sink rejects a snapshot the turn is abandoned
// without persisting anything further.
func (c *Controller) Submit(ctx context.Context, sessionID, text string, sink Sink) (domain.Message, error) {
	userMsg := domain.NewUserMessage(text)
	if userMsg.Content == "" {
		return domain.Message{}, ErrEmptyInput
	}
	if err := c.begin(sessionID); err != nil {
		return domain.Message{}, err
	}

	cs, err := c.sessions.Append(ctx, sessionID, userMsg)
	if err != nil {
		c.setState(sessionID, Idle)
		return domain.Message{}, err
	}

	logger := c.logger.With("session_id", sessionID)
	logger.Debug("turn started", "history_length", len(cs.Messages))

	resp, err := c.transport.Open(ctx, Request{Messages: cs.Messages, Model: c.model})
	if err != nil {
		return domain.Message{}, c.fail(ctx, sessionID, sink, err)
	}
	defer resp.Body.Close()

	records := stream.Records(ctx, resp.Body, stream.DecoderFor(resp.ContentType, logger))
	for snap, err := range stream.Reduce(records) {
		if err != nil {
			return domain.Message{}, c.fail(ctx, sessionID, sink, err)
		}
		if c.State(sessionID) == AwaitingFirstByte {
			c.setState(sessionID, Streaming)
		}
		if err := sink.Render(snap); err != nil {
			c.setState(sessionID, Idle)
			logger.Warn("turn abandoned by sink", "error", err)
			return domain.Message{}, fmt.Errorf("render: %w", err)
		}
		if !snap.Final {
			continue
		}

		c.setState(sessionID, Completed)
		reply := domain.NewAssistantMessage(snap.Text)
		_, err := c.sessions.Append(ctx, sessionID, reply)
		c.setState(sessionID, Idle)
		if err != nil {
			return domain.Message{}, fmt.Errorf("persist reply: %w", err)
		}
		logger.Debug("turn completed", "reply_length", len(snap.Text))
		return reply, nil
	}

	return domain.Message{}, c.fail(ctx, sessionID, sink, errors.New("stream ended without a final snapshot"))
}

// fail ends a turn after a transport problem. Cancellation is not reported
// to the sink.
func (c *Controller) fail(ctx context.Context, sessionID string, sink Sink, cause error) error {
	if ctx.Err() != nil {
		c.setState(sessionID, Idle)
		return ctx.Err()
	}

	c.setState(sessionID, Failed)
	c.logger.Error("chat turn failed", "session_id", sessionID, "error", cause)
	sink.Fail(ErrorText)

	var te *TransportError
	if errors.As(cause, &te) {
		return te
	}
	return &TransportError{Err: cause}
}

// isAbandoned reports whether a Submit error means the caller gave up rather
// than the turn failing.
func isAbandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Describe renders a Submit error for a terminal user.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errdefs.IsInvalidArgument(err):
		return "Please enter a message."
	case errdefs.IsConflict(err):
		return "Please wait for the current response to finish."
	case errdefs.IsNotFound(err):
		return "That chat no longer exists."
	case isAbandoned(err):
		return "Cancelled."
	}
	return ErrorText
}
