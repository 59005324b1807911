package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for domain errors.
const (
	ErrCodeInvalidMode   = "invalid_mode"
	ErrCodeInvalidRoomID = "invalid_room_id"
	ErrCodeMissingFields = "missing_fields"
	ErrCodeBadRequest    = "bad_request"

	// Capacity error codes
	ErrCodeServerFull = "server_full"
	ErrCodeRoomFull   = "room_full"

	ErrCodeNoRecipients = "no_recipients"
	ErrCodeInternal     = "internal_error"
)

var (
	ErrInvalidMode   = coreError(ErrCodeInvalidMode, "invalid mode format")
	ErrInvalidRoomID = coreError(ErrCodeInvalidRoomID, "invalid room id format")
	ErrMissingFields = coreError(ErrCodeMissingFields, "missing required fields")
	ErrServerFull    = coreError(ErrCodeServerFull, "too many connections")
	ErrRoomFull      = coreError(ErrCodeRoomFull, "room is full")
	ErrNoRecipients  = coreError(ErrCodeNoRecipients, "no recipients found")
)

// ErrDisconnected is returned by a Sender when the peer is gone for good.
var ErrDisconnected = errors.New("peer disconnected")

// CoreError wraps a code and human-readable message.
// Two CoreErrors match under errors.Is when their codes are equal.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

// Is reports whether target carries the same code.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	return ok && t.Code == e.Code
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

func missingFieldsError(fields []string) *CoreError {
	return coreError(ErrCodeMissingFields, "missing required fields: "+strings.Join(fields, ", "))
}

// StoreError marks a failure of the backing ConnectionStore.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// IsValidation reports whether err was caused by malformed input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidMode) ||
		errors.Is(err, ErrInvalidRoomID) ||
		errors.Is(err, ErrMissingFields)
}

// IsCapacity reports whether err is a global or per-room capacity rejection.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrServerFull) || errors.Is(err, ErrRoomFull)
}

// ErrorCode returns the domain code carried by err, or ErrCodeInternal.
func ErrorCode(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}
