package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/llmchat/internal/backend"
	"github.com/ashureev/llmchat/internal/domain"
	"github.com/ashureev/llmchat/internal/stream"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// backendFailureMessage is the body of every 500 caused by the model backend.
const backendFailureMessage = "Failed to process request"

// ChatRequest is the body of a chat request.
type ChatRequest struct {
	Messages []domain.Message `json:"messages"`
	Model    string           `json:"model,omitempty"`
}

// ChatOptions configures a ChatHandler.
type ChatOptions struct {
	Models             ModelPolicy
	SystemPrompt       string
	MaxRequestBodySize int64
	// BackendTimeout bounds a whole backend stream. Zero means no limit.
	BackendTimeout time.Duration
	// OriginPatterns are the origins accepted for WebSocket upgrades.
	OriginPatterns []string
}

// ChatHandler proxies chat requests to the model backend and reframes the
// reply for the client.
type ChatHandler struct {
	backend        backend.Backend
	models         ModelPolicy
	systemPrompt   string
	maxBodySize    int64
	timeout        time.Duration
	originPatterns []string
	log            ConversationLogger
	logger         *slog.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(b backend.Backend, opts ChatOptions, conversationLogger ConversationLogger, logger *slog.Logger) *ChatHandler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxBodySize := opts.MaxRequestBodySize
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	return &ChatHandler{
		backend:        b,
		models:         opts.Models,
		systemPrompt:   opts.SystemPrompt,
		maxBodySize:    maxBodySize,
		timeout:        opts.BackendTimeout,
		originPatterns: opts.OriginPatterns,
		log:            conversationLogger,
		logger:         logger,
	}
}

// RegisterRoutes registers the chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/api/chat", h.HandleChat)
	r.Get("/api/config", h.GetConfig)
	r.Get("/ws/chat", h.HandleWebSocket)
}

// HandleChat streams the model's reply as server-sent events.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateRequest(req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := h.streamContext(r.Context())
	defer cancel()

	t := h.begin(ctx, "chat_http", req)
	res, err := h.backend.Stream(ctx, t.req)
	if err != nil {
		t.finish(h, stream.ReframeStats{}, err)
		Error(w, http.StatusInternalServerError, backendFailureMessage)
		return
	}
	defer res.Body.Close()

	w.Header().Set("Content-Type", stream.ContentTypeEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	stats, err := t.reframer(h).Reframe(ctx, res.Body, res.ContentType, w)
	t.finish(h, stats, err)
}

// HandleWebSocket serves the same stream over a WebSocket. The client sends
// one request message and receives one text message per event record.
func (h *ChatHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(h.maxBodySize)

	ctx, cancel := h.streamContext(r.Context())
	defer cancel()

	_, data, err := ws.Read(ctx)
	if err != nil {
		h.logger.Debug("websocket closed before request", "error", err)
		return
	}
	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = ws.Close(websocket.StatusInvalidFramePayloadData, "invalid request body")
		return
	}
	if err := validateRequest(req); err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	t := h.begin(ctx, "chat_ws", req)
	res, err := h.backend.Stream(ctx, t.req)
	if err != nil {
		t.finish(h, stream.ReframeStats{}, err)
		_ = ws.Close(websocket.StatusInternalError, backendFailureMessage)
		return
	}
	defer res.Body.Close()

	stats, err := t.reframer(h).Reframe(ctx, res.Body, res.ContentType, &wsWriter{ctx: ctx, conn: ws})
	t.finish(h, stats, err)
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, backendFailureMessage)
		return
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func (h *ChatHandler) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(parent, h.timeout)
	}
	return context.WithCancel(parent)
}

func validateRequest(req ChatRequest) error {
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	return nil
}

// turn tracks one proxied request for logging.
type turn struct {
	channel   string
	requestID string
	req       backend.Request
	content   strings.Builder
}

func (h *ChatHandler) begin(ctx context.Context, channel string, req ChatRequest) *turn {
	t := &turn{
		channel:   channel,
		requestID: chiMiddleware.GetReqID(ctx),
		req: backend.Request{
			Messages: withSystemPrompt(req.Messages, h.systemPrompt),
		},
	}

	model, allowed := h.models.Resolve(req.Model)
	if !allowed {
		h.logger.Info("requested model not allowed, using default",
			"request_id", t.requestID,
			"requested_model", req.Model,
			"model", model,
		)
	}
	t.req.Model = model

	h.logger.Info("chat request",
		"request_id", t.requestID,
		"channel", channel,
		"model", t.req.Model,
		"message_count", len(t.req.Messages),
	)
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == domain.RoleUser {
		last := req.Messages[n-1]
		h.log.Log(ConversationLogEvent{
			Channel:    channel,
			Direction:  "outbound",
			EventType:  "chat_user_message",
			Model:      t.req.Model,
			ContentRaw: last.Content,
			Meta:       map[string]any{"request_id": t.requestID},
		})
	}
	return t
}

// reframer returns a Reframer that also collects the reply when the
// conversation log needs it.
func (t *turn) reframer(h *ChatHandler) *stream.Reframer {
	rf := stream.NewReframer(h.logger)
	if h.log.Enabled() {
		rf.OnIncrement = func(text string) { t.content.WriteString(text) }
	}
	return rf
}

func (t *turn) finish(h *ChatHandler, stats stream.ReframeStats, err error) {
	streamErr := ""
	if err != nil {
		streamErr = err.Error()
		h.logger.Error("chat stream failed",
			"request_id", t.requestID,
			"channel", t.channel,
			"model", t.req.Model,
			"stream_chunks", stats.Forwarded,
			"skipped_records", stats.Skipped,
			"error", err,
		)
	} else if stats.Skipped > 0 {
		h.logger.Warn("chat stream had malformed records",
			"request_id", t.requestID,
			"channel", t.channel,
			"model", t.req.Model,
			"stream_chunks", stats.Forwarded,
			"skipped_records", stats.Skipped,
		)
	}
	h.log.Log(ConversationLogEvent{
		Channel:    t.channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		Model:      t.req.Model,
		ContentRaw: t.content.String(),
		Meta: map[string]any{
			"stream_chunks":   stats.Forwarded,
			"skipped_records": stats.Skipped,
			"partial":         err != nil,
			"stream_error":    streamErr,
			"request_id":      t.requestID,
		},
	})
}

// wsWriter adapts websocket.Conn to io.Writer. Each Write is sent as one
// text message.
type wsWriter struct {
	ctx  context.Context
	conn *websocket.Conn
}

var _ io.Writer = (*wsWriter)(nil)

func (w *wsWriter) Write(p []byte) (int, error) {
	if err := w.conn.Write(w.ctx, websocket.MessageText, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
