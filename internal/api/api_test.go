package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/mailbridge/internal/auth"
	"github.io/infrasutra/mailbridge/internal/cache"
	"github.io/infrasutra/mailbridge/internal/hub"
	"github.io/infrasutra/mailbridge/internal/mailbox"
	"github.io/infrasutra/mailbridge/internal/mailtest"
	"github.io/infrasutra/mailbridge/internal/metrics"
	"github.io/infrasutra/mailbridge/internal/scheduler"
	"github.io/infrasutra/mailbridge/internal/service"
)

const (
	login    = "user@example.com"
	password = "s3cret"
)

type fixture struct {
	http   *httptest.Server
	api    *Server
	remote *mailtest.Server
	sched  *scheduler.Scheduler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sealer, err := auth.New("api-test-secret-0123456789abcdefgh", 15*time.Minute)
	require.NoError(t, err)

	m := metrics.Discard()
	remote := mailtest.NewServer()
	remote.AddAccount(login, password)
	c := cache.New(logger)
	h := hub.New(logger, m.Hub)
	sched := scheduler.New(scheduler.Config{PollInterval: time.Hour}, remote, c, h, logger, m.Scheduler)
	h.SetObserver(sched)
	t.Cleanup(sched.Close)

	svc := service.New(sealer, remote, remote, c, sched, h, logger)
	server := NewServer(svc, logger, m.API, opts)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return &fixture{http: ts, api: server, remote: remote, sched: sched}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		payload, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, f.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *fixture) configure(t *testing.T) service.Configured {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/auth/configure", "", map[string]any{
		"email":       login,
		"password":    password,
		"displayName": "Test User",
		"imap":        map[string]any{"host": "imap.example.com"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[service.Configured](t, resp)
	require.NotEmpty(t, out.Token)
	return out
}

// waitBaseline waits for the first poll cycle of id, after which new mail
// is reported as a delta.
func (f *fixture) waitBaseline(t *testing.T, id mailbox.Identity) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !f.sched.Status(id).LastCycle.IsZero()
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) deliver(subject string) mailbox.UID {
	return f.remote.Deliver(login, mailbox.Inbox, mailtest.Message("sender@example.com", login, subject, "body"))
}

func TestConfigureAndValidate(t *testing.T) {
	f := newFixture(t, Options{})
	out := f.configure(t)

	resp := f.do(t, http.MethodPost, "/api/v1/auth/validate", out.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/auth/validate", "", map[string]string{"token": out.Token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.remote.SetPassword(login, "rotated")
	resp = f.do(t, http.MethodPost, "/api/v1/auth/validate", out.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, mailbox.KindUnauthenticated, body.Error.Kind)
	assert.False(t, body.Error.Retryable)
}

func TestErrorStatuses(t *testing.T) {
	f := newFixture(t, Options{})
	token := f.configure(t).Token

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		kind   mailbox.Kind
	}{
		{"missing token", http.MethodGet, "/api/v1/mailbox/folders", "", nil, http.StatusUnauthorized, mailbox.KindTokenInvalid},
		{"garbage token", http.MethodGet, "/api/v1/mailbox/folders", "not-a-token", nil, http.StatusUnauthorized, mailbox.KindTokenInvalid},
		{"bad json", http.MethodPost, "/api/v1/auth/configure", "", "{", http.StatusBadRequest, mailbox.KindInvalidRequest},
		{"missing password", http.MethodPost, "/api/v1/auth/configure", "", map[string]any{"email": login, "imap": map[string]any{"host": "imap.example.com"}}, http.StatusBadRequest, mailbox.KindInvalidRequest},
		{"bad uid", http.MethodGet, "/api/v1/mailbox/messages/abc", token, nil, http.StatusBadRequest, mailbox.KindInvalidRequest},
		{"zero uid", http.MethodGet, "/api/v1/mailbox/messages/0", token, nil, http.StatusBadRequest, mailbox.KindInvalidRequest},
		{"unknown message", http.MethodGet, "/api/v1/mailbox/messages/42", token, nil, http.StatusNotFound, mailbox.KindNotFound},
		{"empty search", http.MethodGet, "/api/v1/mailbox/search", token, nil, http.StatusBadRequest, mailbox.KindInvalidRequest},
		{"move without destination", http.MethodPost, "/api/v1/mailbox/messages/1/move", token, nil, http.StatusBadRequest, mailbox.KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.token, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			body := decodeBody[errorBody](t, resp)
			assert.Equal(t, tt.kind, body.Error.Kind)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestUnreachableIsRetryable(t *testing.T) {
	f := newFixture(t, Options{})
	token := f.configure(t).Token
	f.remote.SetDialError(io.ErrUnexpectedEOF)

	resp := f.do(t, http.MethodGet, "/api/v1/mailbox/folders", token, nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, mailbox.KindUnreachable, body.Error.Kind)
	assert.True(t, body.Error.Retryable)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, Options{})
	resp := f.do(t, http.MethodGet, "/api/v1/auth/configure", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
}

func TestMessagesPagingAndActions(t *testing.T) {
	f := newFixture(t, Options{})
	token := f.configure(t).Token
	var uids []mailbox.UID
	for _, subject := range []string{"one", "two", "three"} {
		uids = append(uids, f.deliver(subject))
	}

	resp := f.do(t, http.MethodGet, "/api/v1/mailbox/messages?limit=2", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decodeBody[service.MessagePage](t, resp)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 3, page.Unread)
	assert.True(t, page.HasNext)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "three", page.Messages[0].Subject)

	resp = f.do(t, http.MethodGet, "/api/v1/mailbox/messages?limit=2&page=2", token, nil)
	page = decodeBody[service.MessagePage](t, resp)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "one", page.Messages[0].Subject)
	assert.False(t, page.HasNext)

	resp = f.do(t, http.MethodPost, "/api/v1/mailbox/messages/1/read", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.remote.Flags(login, mailbox.Inbox, uids[0]).Has(mailbox.FlagSeen))

	resp = f.do(t, http.MethodPost, "/api/v1/mailbox/messages/2/star", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.remote.Flags(login, mailbox.Inbox, uids[1]).Has(mailbox.FlagFlagged))

	resp = f.do(t, http.MethodPost, "/api/v1/tasks/check", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	check := decodeBody[service.CheckResult](t, resp)
	assert.Equal(t, 2, check.Unread)

	resp = f.do(t, http.MethodGet, "/api/v1/mailbox/unread", token, nil)
	unread := decodeBody[service.UnreadCount](t, resp)
	assert.Equal(t, 2, unread.Unread)
	assert.True(t, unread.Cached)

	resp = f.do(t, http.MethodDelete, "/api/v1/mailbox/messages/3", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deleted := decodeBody[map[string]any](t, resp)
	assert.Equal(t, false, deleted["permanent"])
	assert.Len(t, f.remote.UIDs(login, mailbox.Inbox), 2)
	assert.Len(t, f.remote.UIDs(login, "Trash"), 1)

	resp = f.do(t, http.MethodPost, "/api/v1/mailbox/trash/empty", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	emptied := decodeBody[map[string]any](t, resp)
	assert.EqualValues(t, 1, emptied["removed"])
}

func TestSendAndDraft(t *testing.T) {
	f := newFixture(t, Options{})
	token := f.configure(t).Token

	resp := f.do(t, http.MethodPost, "/api/v1/mailbox/send", token, map[string]any{
		"to":         []string{"Friend <friend@example.com>"},
		"bcc":        []string{"hidden@example.com"},
		"subject":    "hi",
		"text":       "hello there",
		"senderName": "Someone Else",
		"attachments": []map[string]string{
			{"filename": "note.txt", "contentType": "text/plain", "content": "aGVsbG8="},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sent := decodeBody[service.Sent](t, resp)
	assert.ElementsMatch(t, []string{"friend@example.com", "hidden@example.com"}, sent.Recipients)
	assert.Equal(t, "Sent", sent.SavedTo)

	deliveries := f.remote.Sent()
	require.Len(t, deliveries, 1)
	assert.Equal(t, login, deliveries[0].From)
	assert.Contains(t, string(deliveries[0].Raw), "Someone Else")
	assert.Contains(t, string(deliveries[0].Raw), "note.txt")

	resp = f.do(t, http.MethodPost, "/api/v1/mailbox/send", token, map[string]any{"to": []string{"not an address"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/mailbox/send", token, map[string]any{"subject": "nobody"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/mailbox/drafts", token, map[string]any{"subject": "later"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, f.remote.UIDs(login, "Drafts"), 1)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Options{RateLimitPerMinute: 1, RateLimitBurst: 2})
	token := f.configure(t).Token

	resp := f.do(t, http.MethodGet, "/api/v1/mailbox/folders", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/mailbox/folders", token, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, mailbox.Kind("rate_limited"), body.Error.Kind)

	// Probes are outside the limited API.
	resp = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProbes(t *testing.T) {
	f := newFixture(t, Options{})

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.api.SetReadiness(func() bool { return false })
	resp = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func (f *fixture) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestWebSocketDeliversNewMessages(t *testing.T) {
	f := newFixture(t, Options{Keepalive: time.Second})
	out := f.configure(t)
	conn := f.dialWS(t)

	require.NoError(t, conn.WriteJSON(subscribeFrame{Tokens: []string{out.Token, out.Token}}))
	var subscribed subscribedFrame
	require.NoError(t, conn.ReadJSON(&subscribed))
	assert.Equal(t, "subscribed", subscribed.Type)
	assert.Equal(t, []mailbox.Identity{out.Mailbox}, subscribed.Mailboxes)
	f.waitBaseline(t, out.Mailbox)

	uid := f.deliver("fresh")
	resp := f.do(t, http.MethodPost, "/api/v1/tasks/check", out.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	check := decodeBody[service.CheckResult](t, resp)
	assert.Equal(t, 1, check.Unread)

	var kinds []mailbox.EventKind
	for len(kinds) < len(check.Events) {
		var event mailbox.Event
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, out.Mailbox, event.Mailbox)
		assert.Equal(t, mailbox.Inbox, event.Folder)
		if event.Kind == mailbox.EventNewMessages {
			assert.Equal(t, []mailbox.UID{uid}, event.Payload.UIDs)
		}
		kinds = append(kinds, event.Kind)
	}
	assert.Contains(t, kinds, mailbox.EventNewMessages)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	f := newFixture(t, Options{})
	out := f.configure(t)
	conn := f.dialWS(t)

	require.NoError(t, conn.WriteJSON(subscribeFrame{Tokens: []string{out.Token, "forged"}}))
	var frame errorFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, mailbox.KindTokenInvalid, frame.Kind)
	assert.Contains(t, frame.Reason, "token 1")

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestWebSocketRejectsMalformedHello(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dialWS(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	var frame errorFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, mailbox.KindInvalidRequest, frame.Kind)
}

func TestStream(t *testing.T) {
	f := newFixture(t, Options{Keepalive: time.Second})
	out := f.configure(t)

	resp := f.do(t, http.MethodGet, "/api/v1/stream?token="+out.Token, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	next := func() string {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed")
			return line
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for stream")
			return ""
		}
	}
	waitFor := func(prefix string) string {
		for {
			if line := next(); strings.HasPrefix(line, prefix) {
				return line
			}
		}
	}

	assert.Equal(t, "event: ready", waitFor("event: "))
	f.waitBaseline(t, out.Mailbox)

	f.deliver("streamed")
	resp = f.do(t, http.MethodPost, "/api/v1/tasks/check", out.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for {
		if waitFor("event: ") == "event: "+string(mailbox.EventNewMessages) {
			break
		}
	}
	var event mailbox.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(waitFor("data: "), "data: ")), &event))
	assert.Equal(t, mailbox.EventNewMessages, event.Kind)
}

func TestStreamRejectsBadToken(t *testing.T) {
	f := newFixture(t, Options{})
	resp := f.do(t, http.MethodGet, "/api/v1/stream?token=forged", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIPLimiterForgetsIdleVisitors(t *testing.T) {
	l := newIPLimiter(60, 1)
	now := time.Now()
	assert.True(t, l.allow("10.0.0.1", now))
	assert.False(t, l.allow("10.0.0.1", now))
	assert.True(t, l.allow("10.0.0.2", now))

	later := now.Add(2 * visitorTTL)
	assert.True(t, l.allow("10.0.0.3", later))
	assert.NotContains(t, l.visitors, "10.0.0.1")
	assert.Nil(t, newIPLimiter(0, 5))
}
