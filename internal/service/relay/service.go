package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/resultrelay/internal/core"
	"github.com/vovakirdan/resultrelay/internal/proto"
)

// Reasons returned to clients.
const (
	ReasonInvalidMode   = "connection refused: invalid mode format"
	ReasonInvalidRoomID = "connection refused: invalid room id format"
	ReasonRoomFull      = "connection refused: room is full"
	ReasonServerFull    = "Too many connections"
	ReasonConnectFailed = "connection refused: failed to join room"

	ReasonInvalidBody   = "send failed: invalid message body"
	ReasonNoRecipients  = "send failed: no recipients found"
	ReasonSendFailed    = "send failed: internal error"
	reasonMissingPrefix = "send failed: "

	ReasonDisconnectFailed = "disconnect failed: internal error"
)

// Response is what a lifecycle event reports back to the transport.
type Response struct {
	StatusCode int
	Code       string
	Body       string
}

// OK reports whether the event succeeded.
func (r Response) OK() bool {
	return r.StatusCode == http.StatusOK
}

func ok() Response {
	return Response{StatusCode: http.StatusOK}
}

func fail(status int, code, body string) Response {
	return Response{StatusCode: status, Code: code, Body: body}
}

// Service maps transport lifecycle events onto the registry and broadcaster.
type Service struct {
	registry    *core.Registry
	broadcaster *core.Broadcaster
	log         *zerolog.Logger
}

// New creates a relay service.
func New(registry *core.Registry, broadcaster *core.Broadcaster, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{
		registry:    registry,
		broadcaster: broadcaster,
		log:         logger,
	}
}

// Connect admits connectionID using the roomId and mode query parameters.
func (s *Service) Connect(ctx context.Context, connectionID string, params url.Values) (resp Response) {
	defer s.recoverTo(&resp, "connect", fail(http.StatusInternalServerError, core.ErrCodeInternal, ReasonConnectFailed))

	mode, err := core.ParseMode(params.Get("mode"))
	if err != nil {
		s.log.Error().Str("connection_id", connectionID).Str("mode", params.Get("mode")).Msg("connect rejected: invalid mode format")
		return fail(http.StatusInternalServerError, core.ErrCodeInvalidMode, ReasonInvalidMode)
	}

	roomID := params.Get("roomId")
	if err := core.ValidateRoomID(roomID); err != nil {
		s.log.Error().Str("connection_id", connectionID).Str("room_id", roomID).Msg("connect rejected: invalid room id format")
		return fail(http.StatusInternalServerError, core.ErrCodeInvalidRoomID, ReasonInvalidRoomID)
	}

	if _, err := s.registry.Register(ctx, connectionID, roomID, mode); err != nil {
		switch {
		case errors.Is(err, core.ErrServerFull):
			return fail(http.StatusForbidden, core.ErrCodeServerFull, ReasonServerFull)
		case errors.Is(err, core.ErrRoomFull):
			return fail(http.StatusInternalServerError, core.ErrCodeRoomFull, ReasonRoomFull)
		case errors.Is(err, core.ErrInvalidMode):
			return fail(http.StatusInternalServerError, core.ErrCodeInvalidMode, ReasonInvalidMode)
		case errors.Is(err, core.ErrInvalidRoomID):
			return fail(http.StatusInternalServerError, core.ErrCodeInvalidRoomID, ReasonInvalidRoomID)
		default:
			s.log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to register connection")
			return fail(http.StatusInternalServerError, core.ErrCodeInternal, ReasonConnectFailed)
		}
	}

	return ok()
}

// Message relays a result payload sent by connectionID to its room.
func (s *Service) Message(ctx context.Context, connectionID string, body []byte) (resp Response) {
	defer s.recoverTo(&resp, "message", fail(http.StatusInternalServerError, core.ErrCodeInternal, ReasonSendFailed))

	var data proto.ResultData
	if err := json.Unmarshal(body, &data); err != nil {
		s.log.Error().Err(err).Str("connection_id", connectionID).Msg("invalid result payload")
		return fail(http.StatusInternalServerError, core.ErrCodeBadRequest, ReasonInvalidBody)
	}

	delivery, err := s.broadcaster.Broadcast(ctx, resultFromProto(data))
	if err != nil {
		switch {
		case errors.Is(err, core.ErrMissingFields):
			s.log.Error().Err(err).Str("connection_id", connectionID).Msg("result rejected")
			return fail(http.StatusInternalServerError, core.ErrCodeMissingFields, reasonMissingPrefix+err.Error())
		case errors.Is(err, core.ErrNoRecipients):
			return fail(http.StatusInternalServerError, core.ErrCodeNoRecipients, ReasonNoRecipients)
		default:
			s.log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to broadcast result")
			return fail(http.StatusInternalServerError, core.ErrCodeInternal, ReasonSendFailed)
		}
	}

	s.log.Info().
		Str("connection_id", connectionID).
		Str("room_id", data.RoomID).
		Int("attempted", delivery.Attempted).
		Int("delivered", delivery.Delivered).
		Int("forwarded", delivery.Forwarded).
		Int("reaped", delivery.Reaped).
		Int("failed", delivery.Failed).
		Msg("result broadcast")
	return ok()
}

// Disconnect removes connectionID.
func (s *Service) Disconnect(ctx context.Context, connectionID string) (resp Response) {
	defer s.recoverTo(&resp, "disconnect", fail(http.StatusInternalServerError, core.ErrCodeInternal, ReasonDisconnectFailed))

	if err := s.registry.Unregister(ctx, connectionID); err != nil {
		s.log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to unregister connection")
		return fail(http.StatusInternalServerError, core.ErrCodeInternal, ReasonDisconnectFailed)
	}
	return ok()
}

// recoverTo turns a panic from a lower layer into the generic failure response.
func (s *Service) recoverTo(resp *Response, event string, generic Response) {
	if r := recover(); r != nil {
		s.log.Error().Interface("panic", r).Str("event", event).Msg("recovered from panic")
		*resp = generic
	}
}

func resultFromProto(data proto.ResultData) core.ResultMessage {
	return core.ResultMessage{
		RoomID:      data.RoomID,
		Mode:        core.Mode(data.Mode),
		UserID:      data.UserID,
		Name:        data.Name,
		ResultToken: data.ResultToken,
		Operation:   data.Operation,
		Result:      data.Result,
	}
}
