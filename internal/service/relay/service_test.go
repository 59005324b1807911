package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/resultrelay/internal/core"
	"github.com/vovakirdan/resultrelay/internal/store/sqlite"
)

type stubSender struct {
	mu    sync.Mutex
	errs  map[string]error
	panic bool
	sent  []string
}

func (s *stubSender) Send(_ context.Context, connectionID string, _ *core.ResultMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panic {
		panic("transport exploded")
	}
	s.sent = append(s.sent, connectionID)
	return s.errs[connectionID]
}

type testEnv struct {
	svc    *Service
	store  *sqlite.SQLiteStore
	sender *stubSender
}

func newTestEnv(t *testing.T, maxConnections int) *testEnv {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.Nop()
	sender := &stubSender{errs: make(map[string]error)}
	registry := core.NewRegistry(st, core.AdmissionPolicy{MaxConnections: maxConnections}, &logger)
	broadcaster := core.NewBroadcaster(st, registry, sender, 2, &logger)

	return &testEnv{svc: New(registry, broadcaster, &logger), store: st, sender: sender}
}

func connectParams(room, mode string) url.Values {
	return url.Values{"roomId": {room}, "mode": {mode}}
}

func (e *testEnv) count(t *testing.T) int {
	t.Helper()
	n, err := e.store.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestConnectAdmits(t *testing.T) {
	env := newTestEnv(t, 10)

	resp := env.svc.Connect(context.Background(), "test-conn-1", connectParams("1234-5678", "1"))
	if resp.StatusCode != http.StatusOK || resp.Body != "" {
		t.Fatalf("expected 200 with empty body, got %+v", resp)
	}
	if env.count(t) != 1 {
		t.Fatalf("expected 1 stored connection, got %d", env.count(t))
	}
}

func TestConnectValidation(t *testing.T) {
	tests := []struct {
		name   string
		params url.Values
		reason string
	}{
		{name: "invalid room characters", params: connectParams("!!", "1"), reason: ReasonInvalidRoomID},
		{name: "missing room", params: url.Values{"mode": {"1"}}, reason: ReasonInvalidRoomID},
		{name: "unknown mode", params: connectParams("AAAA", "7"), reason: ReasonInvalidMode},
		{name: "missing mode", params: url.Values{"roomId": {"AAAA"}}, reason: ReasonInvalidMode},
		{name: "mode checked before room", params: connectParams("!!", "x"), reason: ReasonInvalidMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 10)

			resp := env.svc.Connect(context.Background(), "c1", tt.params)
			if resp.StatusCode != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", resp.StatusCode)
			}
			if resp.Body != tt.reason {
				t.Fatalf("expected reason %q, got %q", tt.reason, resp.Body)
			}
			if env.count(t) != 0 {
				t.Fatal("expected no store write")
			}
		})
	}
}

func TestConnectRoomFull(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if resp := env.svc.Connect(ctx, fmt.Sprintf("conn-%d", i), connectParams("1111-2222", "3")); !resp.OK() {
			t.Fatalf("connect %d: %+v", i, resp)
		}
	}

	resp := env.svc.Connect(ctx, "conn-over", connectParams("1111-2222", "3"))
	if resp.StatusCode != http.StatusInternalServerError || resp.Body != ReasonRoomFull {
		t.Fatalf("expected room full rejection, got %+v", resp)
	}
	if resp.Code != core.ErrCodeRoomFull {
		t.Fatalf("expected code %s, got %s", core.ErrCodeRoomFull, resp.Code)
	}
}

func TestConnectServerFull(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	if resp := env.svc.Connect(ctx, "c1", connectParams("AAAA", "1")); !resp.OK() {
		t.Fatalf("first connect: %+v", resp)
	}
	resp := env.svc.Connect(ctx, "c2", connectParams("BBBB", "1"))
	if resp.StatusCode != http.StatusForbidden || resp.Body != ReasonServerFull {
		t.Fatalf("expected 403 Too many connections, got %+v", resp)
	}
}

func TestConnectStoreFailure(t *testing.T) {
	env := newTestEnv(t, 10)
	_ = env.store.Close()

	resp := env.svc.Connect(context.Background(), "c1", connectParams("AAAA", "1"))
	if resp.StatusCode != http.StatusInternalServerError || resp.Body != ReasonConnectFailed {
		t.Fatalf("expected generic connect failure, got %+v", resp)
	}
}

func TestMessageBroadcasts(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	env.svc.Connect(ctx, "test-conn-2", connectParams("3333-4444", "2"))
	env.svc.Connect(ctx, "test-conn-3", connectParams("3333-4444", "2"))

	body := `{"roomId":"3333-4444","mode":2,"userId":"user123","name":"tester","result":"<result>test</result>"}`
	resp := env.svc.Message(ctx, "test-conn-2", []byte(body))
	if !resp.OK() || resp.Body != "" {
		t.Fatalf("expected 200 with empty body, got %+v", resp)
	}
	if len(env.sender.sent) != 2 {
		t.Fatalf("expected 2 sends, got %v", env.sender.sent)
	}
}

func TestMessageAcceptsStringMode(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	env.svc.Connect(ctx, "c1", connectParams("ROOM", "6"))

	body := `{"roomId":"ROOM","mode":"6","userId":"u","name":"n","result":"r"}`
	if resp := env.svc.Message(ctx, "c1", []byte(body)); !resp.OK() {
		t.Fatalf("expected 200, got %+v", resp)
	}
}

func TestMessageDisconnectedPeerStillSucceeds(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	env.svc.Connect(ctx, "C1", connectParams("RM01", "2"))
	env.sender.errs["C1"] = core.ErrDisconnected

	body := `{"roomId":"RM01","mode":2,"userId":"u","name":"n","result":"r"}`
	if resp := env.svc.Message(ctx, "C2", []byte(body)); !resp.OK() {
		t.Fatalf("expected 200, got %+v", resp)
	}
	if env.count(t) != 0 {
		t.Fatal("expected disconnected peer to be reaped")
	}
}

func TestMessageFailures(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		code   string
		reason string
	}{
		{
			name:   "missing result",
			body:   `{"roomId":"ROOM","mode":1,"userId":"u","name":"n"}`,
			code:   core.ErrCodeMissingFields,
			reason: "send failed: missing required fields: result",
		},
		{
			name:   "not json",
			body:   `not json`,
			code:   core.ErrCodeBadRequest,
			reason: ReasonInvalidBody,
		},
		{
			name:   "no recipients",
			body:   `{"roomId":"EMPTY","mode":1,"userId":"u","name":"n","result":"r"}`,
			code:   core.ErrCodeNoRecipients,
			reason: ReasonNoRecipients,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 10)

			resp := env.svc.Message(context.Background(), "c1", []byte(tt.body))
			if resp.StatusCode != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", resp.StatusCode)
			}
			if resp.Code != tt.code || resp.Body != tt.reason {
				t.Fatalf("expected %s %q, got %s %q", tt.code, tt.reason, resp.Code, resp.Body)
			}
			if len(env.sender.sent) != 0 {
				t.Fatalf("expected no sends, got %v", env.sender.sent)
			}
		})
	}
}

func TestMessageRecoversFromPanic(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	env.svc.Connect(ctx, "c1", connectParams("ROOM", "1"))
	env.sender.panic = true

	body := `{"roomId":"ROOM","mode":1,"userId":"u","name":"n","result":"r"}`
	resp := env.svc.Message(ctx, "c1", []byte(body))
	if resp.StatusCode != http.StatusInternalServerError || resp.Body != ReasonSendFailed {
		t.Fatalf("expected generic failure, got %+v", resp)
	}
	if strings.Contains(resp.Body, "exploded") {
		t.Fatal("panic details must not leak to the client")
	}
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	env.svc.Connect(ctx, "c1", connectParams("ROOM", "1"))
	for i := 0; i < 2; i++ {
		if resp := env.svc.Disconnect(ctx, "c1"); !resp.OK() {
			t.Fatalf("disconnect #%d: %+v", i+1, resp)
		}
	}
	if env.count(t) != 0 {
		t.Fatal("expected connection removed")
	}
}

func TestDisconnectStoreFailure(t *testing.T) {
	env := newTestEnv(t, 10)
	_ = env.store.Close()

	resp := env.svc.Disconnect(context.Background(), "c1")
	if resp.StatusCode != http.StatusInternalServerError || resp.Body != ReasonDisconnectFailed {
		t.Fatalf("expected disconnect failure, got %+v", resp)
	}
}

func TestNewWithoutLogger(t *testing.T) {
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	sender := &stubSender{errs: make(map[string]error)}
	registry := core.NewRegistry(st, core.AdmissionPolicy{MaxConnections: 10}, nil)
	svc := New(registry, core.NewBroadcaster(st, registry, sender, 2, nil), nil)
	ctx := context.Background()

	if resp := svc.Connect(ctx, "c1", connectParams("ROOM", "1")); !resp.OK() {
		t.Fatalf("connect: %+v", resp)
	}
	body := `{"roomId":"ROOM","mode":1,"userId":"u","name":"n","result":"r"}`
	if resp := svc.Message(ctx, "c1", []byte(body)); !resp.OK() {
		t.Fatalf("message: %+v", resp)
	}

	_ = st.Close()
	if resp := svc.Disconnect(ctx, "c1"); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected disconnect failure to be reported, got %+v", resp)
	}
}
