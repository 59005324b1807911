package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/resultrelay/internal/config"
	"github.com/vovakirdan/resultrelay/internal/proto"
	"github.com/vovakirdan/resultrelay/internal/service/relay"
	"github.com/vovakirdan/resultrelay/internal/utils"
)

const (
	errCodeRateLimited = "rate_limited"
	reasonRateLimited  = "send failed: rate limit exceeded"

	// maxCloseReason is the largest reason a close frame can carry.
	maxCloseReason = 123
)

// WSHandler admits a connection, upgrades it and feeds its frames to the relay service.
type WSHandler struct {
	svc               *relay.Service
	gateway           *Gateway
	maxMessageBytes   int64
	messagesPerMinute int
	log               *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(svc *relay.Service, gateway *Gateway, cfg *config.Config, logger *zerolog.Logger) http.Handler {
	return &WSHandler{
		svc:               svc,
		gateway:           gateway,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerMinute: cfg.MessagesPerMinute,
		log:               logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := utils.NewConnectionID()

	// admission happens before the upgrade so a rejection is a plain HTTP status
	h.gateway.Reserve(id)
	resp := h.svc.Connect(ctx, id, r.URL.Query())
	if !resp.OK() {
		h.gateway.Remove(id)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(resp.StatusCode)
		_, _ = io.WriteString(w, resp.Body)
		return
	}

	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		h.gateway.Remove(id)
		h.svc.Disconnect(cleanupCtx, id)
	}()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Str("connection_id", id).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	if h.maxMessageBytes > 0 {
		conn.SetReadLimit(h.maxMessageBytes)
	}
	h.gateway.Add(id, conn)
	h.log.Info().Str("connection_id", id).Str("room_id", r.URL.Query().Get("roomId")).Msg("ws connected")

	err = h.readLoop(ctx, conn, id)

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = closeReason(err)
			h.log.Warn().Err(err).Str("connection_id", id).Msg("ws connection closed with error")
		}
	}

	h.log.Info().Str("connection_id", id).Msg("ws disconnected")
	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, id string) error {
	limiter := newRateLimiter(h.messagesPerMinute)

	for {
		_, body, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		if !limiter.allow() {
			if err := h.writeError(ctx, conn, errCodeRateLimited, reasonRateLimited); err != nil {
				return err
			}
			continue
		}

		resp := h.svc.Message(ctx, id, body)
		if resp.OK() {
			continue
		}
		if err := h.writeError(ctx, conn, resp.Code, resp.Body); err != nil {
			h.log.Error().Err(err).Str("connection_id", id).Msg("write ws error frame")
			return err
		}
	}
}

func (h *WSHandler) writeError(ctx context.Context, conn *websocket.Conn, code, msg string) error {
	return wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: code, Msg: msg},
	})
}

// closeReason fits err's text into a close frame without splitting a rune.
func closeReason(err error) string {
	reason := err.Error()
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
