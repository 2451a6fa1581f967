package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/llmchat/internal/domain"
	"github.com/ashureev/llmchat/internal/session"
	"github.com/ashureev/llmchat/internal/store"
	"github.com/ashureev/llmchat/internal/stream"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type recordingSink struct {
	mu       sync.Mutex
	snaps    []stream.Snapshot
	failures []string
	onRender func(stream.Snapshot) error
}

func (s *recordingSink) Render(snap stream.Snapshot) error {
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	hook := s.onRender
	s.mu.Unlock()
	if hook != nil {
		return hook(snap)
	}
	return nil
}

func (s *recordingSink) Fail(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, text)
}

type transportFunc func(ctx context.Context, req Request) (Response, error)

func (f transportFunc) Open(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

func staticBody(contentType, body string) Transport {
	return transportFunc(func(context.Context, Request) (Response, error) {
		return Response{ContentType: contentType, Body: io.NopCloser(strings.NewReader(body))}, nil
	})
}

func newStore(t *testing.T) *session.Store {
	t.Helper()
	s, err := session.Open(context.Background(), store.NewMemory())
	require.NoError(t, err)
	return s
}

func lastMessage(t *testing.T, s *session.Store, id string) domain.Message {
	t.Helper()
	cs, err := s.Get(id)
	require.NoError(t, err)
	return cs.Messages[len(cs.Messages)-1]
}

func TestSubmitEndToEnd(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"response\":\"Hi\"}\n\n")
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, "data: {\"response\":\" there\"}\n\n")
	}))
	defer srv.Close()

	sessions := newStore(t)
	id := sessions.ActiveID()
	c := NewController(sessions, NewHTTPTransport(srv.URL, srv.Client()), "@cf/qwen/qwq-32b", nil)

	sink := &recordingSink{}
	reply, err := c.Submit(context.Background(), id, "Hello", sink)
	require.NoError(t, err)

	assert.Equal(t, []stream.Snapshot{
		{Text: "Hi"},
		{Text: "Hi there"},
		{Text: "Hi there", Final: true},
	}, sink.snaps)
	assert.Empty(t, sink.failures)
	assert.Equal(t, domain.NewAssistantMessage("Hi there"), reply)
	assert.Equal(t, reply, lastMessage(t, sessions, id))
	assert.Equal(t, Idle, c.State(id))

	assert.Equal(t, "@cf/qwen/qwq-32b", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, domain.RoleAssistant, got.Messages[0].Role, "history starts with the greeting")
	assert.Equal(t, domain.NewUserMessage("Hello"), got.Messages[1])

	cs, err := sessions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Hello", cs.Title)
}

func TestSubmitPersistsUserMessageBeforeRequest(t *testing.T) {
	sessions := newStore(t)
	id := sessions.ActiveID()

	var seen domain.Message
	tr := transportFunc(func(ctx context.Context, req Request) (Response, error) {
		seen = lastMessage(t, sessions, id)
		return Response{Body: io.NopCloser(strings.NewReader(`{"response":"ok"}`))}, nil
	})

	_, err := NewController(sessions, tr, "", nil).Submit(context.Background(), id, "  ping  ", &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, domain.Message{Role: domain.RoleUser, Content: "ping"}, seen)
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	sessions := newStore(t)
	id := sessions.ActiveID()
	before, err := sessions.Get(id)
	require.NoError(t, err)

	_, err = NewController(sessions, staticBody("", ""), "", nil).Submit(context.Background(), id, " \n\t", &recordingSink{})
	require.ErrorIs(t, err, ErrEmptyInput)
	assert.True(t, errdefs.IsInvalidArgument(err))

	after, err := sessions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSubmitRejectsConcurrentTurn(t *testing.T) {
	sessions := newStore(t)
	a := sessions.ActiveID()
	other, err := sessions.Create(context.Background())
	require.NoError(t, err)

	pr, pw := io.Pipe()
	opened := make(chan struct{})
	tr := transportFunc(func(ctx context.Context, req Request) (Response, error) {
		if req.Messages[len(req.Messages)-1].Content == "first" {
			close(opened)
			return Response{ContentType: "text/event-stream", Body: pr}, nil
		}
		return Response{Body: io.NopCloser(strings.NewReader(`{"response":"side"}`))}, nil
	})
	c := NewController(sessions, tr, "", nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), a, "first", &recordingSink{})
		done <- err
	}()
	<-opened
	assert.Equal(t, AwaitingFirstByte, c.State(a))

	before, err := sessions.Get(a)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), a, "second", &recordingSink{})
	require.ErrorIs(t, err, ErrTurnInFlight)
	assert.True(t, errdefs.IsConflict(err))
	after, err := sessions.Get(a)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected turn leaves the session untouched")

	reply, err := c.Submit(context.Background(), other.ID, "elsewhere", &recordingSink{})
	require.NoError(t, err, "other sessions are independent")
	assert.Equal(t, "side", reply.Content)

	_, err = io.WriteString(pw, "data: {\"response\":\"done\"}\n\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
	assert.Equal(t, "done", lastMessage(t, sessions, a).Content)
}

func TestSubmitStatusFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Failed to process request"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	sessions := newStore(t)
	id := sessions.ActiveID()
	c := NewController(sessions, NewHTTPTransport(srv.URL, srv.Client()), "", nil)

	sink := &recordingSink{}
	_, err := c.Submit(context.Background(), id, "Hello", sink)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.Status)
	assert.True(t, errdefs.IsUnavailable(err))
	assert.Equal(t, []string{ErrorText}, sink.failures)
	assert.Empty(t, sink.snaps)
	assert.Equal(t, Failed, c.State(id))
	assert.Equal(t, domain.RoleUser, lastMessage(t, sessions, id).Role, "no assistant message on failure")

	_, err = c.Submit(context.Background(), id, "Again", sink)
	require.ErrorAs(t, err, &te, "a failed turn does not block the next one")
	assert.Len(t, sink.failures, 2)
}

func TestSubmitMidStreamFailure(t *testing.T) {
	sessions := newStore(t)
	id := sessions.ActiveID()
	boom := errors.New("connection reset")
	tr := transportFunc(func(context.Context, Request) (Response, error) {
		body := io.MultiReader(strings.NewReader("data: {\"response\":\"par\"}\n\n"), errReader{boom})
		return Response{ContentType: "text/event-stream", Body: io.NopCloser(body)}, nil
	})
	c := NewController(sessions, tr, "", nil)

	sink := &recordingSink{}
	_, err := c.Submit(context.Background(), id, "Hello", sink)
	require.ErrorIs(t, err, boom)
	assert.True(t, errdefs.IsUnavailable(err))
	assert.Equal(t, []stream.Snapshot{{Text: "par"}}, sink.snaps)
	assert.Equal(t, []string{ErrorText}, sink.failures)
	assert.Equal(t, "Hello", lastMessage(t, sessions, id).Content)

	_, err = c.Submit(context.Background(), id, "again", &recordingSink{})
	require.Error(t, err)
	assert.False(t, errdefs.IsConflict(err), "a failed turn does not block the next one")
}

func TestSubmitOpenError(t *testing.T) {
	sessions := newStore(t)
	tr := transportFunc(func(context.Context, Request) (Response, error) {
		return Response{}, errors.New("dial refused")
	})

	sink := &recordingSink{}
	_, err := NewController(sessions, tr, "", nil).Submit(context.Background(), sessions.ActiveID(), "Hello", sink)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, te.Status)
	assert.Len(t, sink.failures, 1)
}

func TestSubmitEmptyReplyIsRecorded(t *testing.T) {
	sessions := newStore(t)
	id := sessions.ActiveID()

	sink := &recordingSink{}
	reply, err := NewController(sessions, staticBody("text/event-stream", ""), "", nil).Submit(context.Background(), id, "Hello", sink)
	require.NoError(t, err)
	assert.Equal(t, domain.NewAssistantMessage(""), reply)
	assert.Equal(t, []stream.Snapshot{{Final: true}}, sink.snaps)
	assert.Equal(t, reply, lastMessage(t, sessions, id))
}

func TestSubmitUnknownSession(t *testing.T) {
	sessions := newStore(t)
	c := NewController(sessions, staticBody("", ""), "", nil)

	_, err := c.Submit(context.Background(), "missing", "Hello", &recordingSink{})
	assert.True(t, errdefs.IsNotFound(err))
	assert.Equal(t, Idle, c.State("missing"))
}

func TestSubmitCancelled(t *testing.T) {
	sessions := newStore(t)
	id := sessions.ActiveID()

	pr, pw := io.Pipe()
	defer pw.Close()
	tr := transportFunc(func(context.Context, Request) (Response, error) {
		return Response{ContentType: "text/event-stream", Body: pr}, nil
	})
	c := NewController(sessions, tr, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onRender: func(stream.Snapshot) error {
		cancel()
		return nil
	}}

	go func() {
		_, _ = io.WriteString(pw, "data: {\"response\":\"Hi\"}\n\n")
	}()

	result := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, id, "Hello", sink)
		result <- err
	}()

	select {
	case err := <-result:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled turn did not return")
	}
	assert.Empty(t, sink.failures, "cancellation is not reported as a failure")
	assert.Equal(t, Idle, c.State(id))
	assert.Equal(t, "Hello", lastMessage(t, sessions, id).Content)
}

func TestSubmitSinkErrorAbandons(t *testing.T) {
	sessions := newStore(t)
	id := sessions.ActiveID()
	stop := errors.New("window closed")
	sink := &recordingSink{onRender: func(stream.Snapshot) error { return stop }}

	body := "data: {\"response\":\"a\"}\n\ndata: {\"response\":\"b\"}\n\n"
	_, err := NewController(sessions, staticBody("text/event-stream", body), "", nil).Submit(context.Background(), id, "Hello", sink)
	require.ErrorIs(t, err, stop)
	assert.Len(t, sink.snaps, 1, "nothing further is pulled")
	assert.Empty(t, sink.failures)
	assert.Equal(t, domain.RoleUser, lastMessage(t, sessions, id).Role)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "", Describe(nil))
	assert.Equal(t, "Please enter a message.", Describe(ErrEmptyInput))
	assert.Equal(t, "Please wait for the current response to finish.", Describe(ErrTurnInFlight))
	assert.Equal(t, "Cancelled.", Describe(context.Canceled))
	assert.Equal(t, ErrorText, Describe(&TransportError{Status: 502, Err: errors.New("bad gateway")}))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_first_byte", AwaitingFirstByte.String())
	assert.Equal(t, "state(9)", State(9).String())
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
