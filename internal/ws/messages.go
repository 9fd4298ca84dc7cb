package ws

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ─────────────────────────────────────────────
// Inbound messages (client → server)
// ─────────────────────────────────────────────

// Inbound is one classified client message. The concrete types are
// *PingMsg, *GetStatsMsg, *RequestInferenceMsg, *FrameMsg, *TextMsg and
// *UnknownMsg.
type Inbound interface {
	inbound()
}

// PingMsg is the application-level liveness check.
type PingMsg struct{}

// GetStatsMsg asks for the stats of the caller's session.
type GetStatsMsg struct{}

// RequestInferenceMsg asks to (re)score an already ingested frame.
type RequestInferenceMsg struct {
	FrameID string `json:"frameId"`
}

// FrameMsg carries a frame payload, sent as a binary message or as a
// base64 data URL.
type FrameMsg struct {
	Data []byte
	MIME string
}

// TextMsg is free-form text that is not a structured message.
type TextMsg struct {
	Text string
}

// UnknownMsg is a structured message with a type outside the vocabulary.
type UnknownMsg struct {
	Type string
}

func (*PingMsg) inbound()             {}
func (*GetStatsMsg) inbound()         {}
func (*RequestInferenceMsg) inbound() {}
func (*FrameMsg) inbound()            {}
func (*TextMsg) inbound()             {}
func (*UnknownMsg) inbound()          {}

// Structured message types.
const (
	MsgPing             = "ping"
	MsgGetStats         = "get_stats"
	MsgRequestInference = "request_inference"
)

var (
	ErrEmptyFrame     = errors.New("frame is empty")
	ErrBadDataURL     = errors.New("malformed data URL")
	ErrMissingFrameID = errors.New("frameId is required")
)

// ParseInbound classifies a raw transport message.
func ParseInbound(kind int, data []byte) (Inbound, error) {
	if kind == websocket.BinaryMessage {
		if len(data) == 0 {
			return nil, ErrEmptyFrame
		}
		return &FrameMsg{Data: data, MIME: http.DetectContentType(data)}, nil
	}

	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		return parseDataURL(string(trimmed))
	}

	var env struct {
		Type    string `json:"type"`
		FrameID string `json:"frameId"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return &TextMsg{Text: string(data)}, nil
	}

	switch env.Type {
	case MsgPing:
		return &PingMsg{}, nil
	case MsgGetStats:
		return &GetStatsMsg{}, nil
	case MsgRequestInference:
		if env.FrameID == "" {
			return nil, ErrMissingFrameID
		}
		return &RequestInferenceMsg{FrameID: env.FrameID}, nil
	default:
		return &UnknownMsg{Type: env.Type}, nil
	}
}

// parseDataURL decodes "data:<mime>;base64,<body>".
func parseDataURL(s string) (*FrameMsg, error) {
	header, body, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return nil, ErrBadDataURL
	}
	mime, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return nil, ErrBadDataURL
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrBadDataURL
	}
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	return &FrameMsg{Data: data, MIME: mime}, nil
}

// ─────────────────────────────────────────────
// Outbound events (server → client)
// ─────────────────────────────────────────────

const (
	EventConnection        = "connection"
	EventFrameReceived     = "frame_received"
	EventInferenceQueued   = "inference_queued"
	EventInferenceComplete = "inference_complete"
	EventSensorUpdate      = "sensor_update"
	EventBroadcast         = "broadcast"
	EventStats             = "stats"
	EventPong              = "pong"
	EventError             = "error"
	EventShutdown          = "shutdown"
)

// Event is the envelope of every server message.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ string, data any) Event {
	return Event{Type: typ, Data: data, Timestamp: time.Now().UTC()}
}

func errorEvent(msg string) Event {
	return NewEvent(EventError, map[string]string{"message": msg})
}
