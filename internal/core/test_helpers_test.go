package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vovakirdan/resultrelay/internal/store"
	"github.com/vovakirdan/resultrelay/internal/store/sqlite"
)

var errStoreDown = errors.New("store unavailable")

// spyStore wraps a real store, counting calls and optionally failing them.
type spyStore struct {
	store.ConnectionStore

	mu        sync.Mutex
	calls     map[string]int
	failOn    map[string]error
	deletedID []string
}

func newSpyStore(t *testing.T) *spyStore {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return &spyStore{
		ConnectionStore: st,
		calls:           make(map[string]int),
		failOn:          make(map[string]error),
	}
}

func (s *spyStore) hit(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.failOn[op]
}

func (s *spyStore) fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[op] = err
}

func (s *spyStore) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *spyStore) Put(ctx context.Context, conn *store.Connection) error {
	if err := s.hit("put"); err != nil {
		return err
	}
	return s.ConnectionStore.Put(ctx, conn)
}

func (s *spyStore) PutIfAdmissible(ctx context.Context, conn *store.Connection, limits store.Limits) (bool, error) {
	if err := s.hit("put"); err != nil {
		return false, err
	}
	return s.ConnectionStore.PutIfAdmissible(ctx, conn, limits)
}

func (s *spyStore) Count(ctx context.Context) (int, error) {
	if err := s.hit("count"); err != nil {
		return 0, err
	}
	return s.ConnectionStore.Count(ctx)
}

func (s *spyStore) QueryByRoomMode(ctx context.Context, roomID string, mode int) ([]*store.Connection, error) {
	if err := s.hit("query"); err != nil {
		return nil, err
	}
	return s.ConnectionStore.QueryByRoomMode(ctx, roomID, mode)
}

func (s *spyStore) Delete(ctx context.Context, connectionID string) error {
	if err := s.hit("delete"); err != nil {
		return err
	}
	s.mu.Lock()
	s.deletedID = append(s.deletedID, connectionID)
	s.mu.Unlock()
	return s.ConnectionStore.Delete(ctx, connectionID)
}

func (s *spyStore) members(t *testing.T, roomID string, mode Mode) map[string]bool {
	t.Helper()

	conns, err := s.ConnectionStore.QueryByRoomMode(context.Background(), roomID, int(mode))
	if err != nil {
		t.Fatalf("query members: %v", err)
	}
	out := make(map[string]bool, len(conns))
	for _, c := range conns {
		out[c.ConnectionID] = true
	}
	return out
}

// fakeSender records sends and returns a preconfigured error per connection.
type fakeSender struct {
	mu     sync.Mutex
	errs   map[string]error
	sent   []string
	onSend func(connectionID string)
}

func newFakeSender() *fakeSender {
	return &fakeSender{errs: make(map[string]error)}
}

func (f *fakeSender) Send(_ context.Context, connectionID string, _ *ResultMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, connectionID)
	err := f.errs[connectionID]
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(connectionID)
	}
	return err
}

func (f *fakeSender) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func mustRegister(t *testing.T, r *Registry, id, room string, mode Mode) {
	t.Helper()

	if _, err := r.Register(context.Background(), id, room, mode); err != nil {
		t.Fatalf("register %s in %s/%d: %v", id, room, mode, err)
	}
}

// fakeCluster records forwards and reports configured liveness per owner.
type fakeCluster struct {
	mu         sync.Mutex
	forwardErr map[string]error
	down       map[string]bool
	aliveErr   error
	forwarded  map[string][]string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		forwardErr: make(map[string]error),
		down:       make(map[string]bool),
		forwarded:  make(map[string][]string),
	}
}

func (c *fakeCluster) Forward(_ context.Context, owner string, connectionIDs []string, _ *ResultMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.forwardErr[owner]; err != nil {
		return err
	}
	c.forwarded[owner] = append(c.forwarded[owner], connectionIDs...)
	return nil
}

func (c *fakeCluster) Alive(_ context.Context, owner string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aliveErr != nil {
		return false, c.aliveErr
	}
	return !c.down[owner], nil
}

func (c *fakeCluster) forwardedTo(owner string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.forwarded[owner]...)
}
