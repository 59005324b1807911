package http

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/resultrelay/internal/core"
	"github.com/vovakirdan/resultrelay/internal/proto"
)

var errNotReady = errors.New("connection not ready")

// Gateway delivers relay messages to live websocket connections by id.
// It implements core.Sender.
type Gateway struct {
	mu           sync.RWMutex
	conns        map[string]*websocket.Conn
	writeTimeout time.Duration
}

// NewGateway creates an empty gateway. A zero writeTimeout means no per-send deadline.
func NewGateway(writeTimeout time.Duration) *Gateway {
	return &Gateway{
		conns:        make(map[string]*websocket.Conn),
		writeTimeout: writeTimeout,
	}
}

// Reserve marks id as admitted but not yet upgraded.
// Sends to a reserved id fail without reporting it disconnected.
func (g *Gateway) Reserve(id string) {
	g.mu.Lock()
	if _, exists := g.conns[id]; !exists {
		g.conns[id] = nil
	}
	g.mu.Unlock()
}

// Add makes conn reachable under id.
func (g *Gateway) Add(id string, conn *websocket.Conn) {
	g.mu.Lock()
	g.conns[id] = conn
	g.mu.Unlock()
}

// Remove forgets id. Subsequent sends to it report core.ErrDisconnected.
func (g *Gateway) Remove(id string) {
	g.mu.Lock()
	delete(g.conns, id)
	g.mu.Unlock()
}

// Len returns the number of known connections, reserved ones included.
func (g *Gateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Send writes msg to connectionID as a relay frame.
func (g *Gateway) Send(ctx context.Context, connectionID string, msg *core.ResultMessage) error {
	g.mu.RLock()
	conn, ok := g.conns[connectionID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s: %w", connectionID, core.ErrDisconnected)
	}
	if conn == nil {
		return fmt.Errorf("connection %s: %w", connectionID, errNotReady)
	}

	if g.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.writeTimeout)
		defer cancel()
	}

	// a failed write leaves the websocket unusable, so the peer counts as gone
	if err := wsjson.Write(ctx, conn, relayFrame(msg)); err != nil {
		return fmt.Errorf("connection %s: %w: %v", connectionID, core.ErrDisconnected, err)
	}
	return nil
}

func relayFrame(msg *core.ResultMessage) proto.RelayMessage {
	return proto.RelayMessage{
		UserID:      msg.UserID,
		Name:        msg.Name,
		Operation:   msg.Operation,
		ResultToken: msg.ResultToken,
		Result:      msg.Result,
	}
}
