package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// OutboundTypeError marks frames that report a failed message back to its sender.
const OutboundTypeError = "error"

// Mode accepts either a JSON number or a numeric string.
type Mode int

func (m *Mode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*m = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("mode %q is not a number", s)
		}
		*m = Mode(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("mode: %w", err)
	}
	*m = Mode(n)
	return nil
}

// ResultData is the payload a client sends to share a result with its room.
type ResultData struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	Name        string `json:"name"`
	ResultToken string `json:"resultToken,omitempty"`
	Operation   string `json:"operation,omitempty"`
	Result      string `json:"result"`
	Mode        Mode   `json:"mode"`
}

// RelayMessage is what every room member receives for a submitted result.
type RelayMessage struct {
	UserID      string `json:"userId"`
	Name        string `json:"name"`
	Operation   string `json:"operation"`
	ResultToken string `json:"resultToken"`
	Result      string `json:"result"`
}

// Outbound is the envelope for error frames sent back to a client.
type Outbound struct {
	Type  string `json:"type"`
	Error *Error `json:"error,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
