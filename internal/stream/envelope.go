package stream

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lakowske/ib-stream/internal/model"
)

// Frame types carried in the envelope's type field.
const (
	FrameTick      = "tick"
	FrameError     = "error"
	FrameComplete  = "complete"
	FrameInfo      = "info"
	FrameHeartbeat = "heartbeat"
)

// Envelope is the server-to-client message shape shared by SSE and
// WebSocket.
type Envelope struct {
	Type      string         `json:"type"`
	StreamID  string         `json:"stream_id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      any            `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ErrorData is the payload of error frames.
type ErrorData struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// CompleteData is the payload of complete frames.
type CompleteData struct {
	Reason     string `json:"reason"`
	TotalTicks int64  `json:"total_ticks"`
}

// NewStreamID builds the server-issued stream correlation id:
// contract id, tick type, epoch millis, and a short random suffix.
func NewStreamID(contractID int64, tickType model.TickType) string {
	return fmt.Sprintf("%d_%s_%d_%s", contractID, tickType, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// FrameTimestamp formats t as ISO-8601 with millisecond precision in
// UTC, the wire timestamp format of every frame.
func FrameTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func now() string { return FrameTimestamp(time.Now()) }

// TickFrame wraps one tick. meta may be nil for plain live ticks.
func TickFrame(streamID string, tick model.TickMessage, meta map[string]any) Envelope {
	return Envelope{
		Type:      FrameTick,
		StreamID:  streamID,
		Timestamp: now(),
		Data:      tick,
		Metadata:  meta,
	}
}

// ErrorFrame wraps a stream-scoped error.
func ErrorFrame(streamID, code, message string, recoverable bool) Envelope {
	return Envelope{
		Type:      FrameError,
		StreamID:  streamID,
		Timestamp: now(),
		Data:      ErrorData{Code: code, Message: message, Recoverable: recoverable},
	}
}

// CompleteFrame wraps the terminal completion event.
func CompleteFrame(streamID, reason string, totalTicks int64) Envelope {
	return Envelope{
		Type:      FrameComplete,
		StreamID:  streamID,
		Timestamp: now(),
		Data:      CompleteData{Reason: reason, TotalTicks: totalTicks},
	}
}

// InfoFrame wraps a status notification. extra fields are merged into
// the data payload next to status.
func InfoFrame(streamID, status string, extra map[string]any) Envelope {
	data := map[string]any{"status": status}
	for k, v := range extra {
		data[k] = v
	}
	return Envelope{
		Type:      FrameInfo,
		StreamID:  streamID,
		Timestamp: now(),
		Data:      data,
	}
}

// HeartbeatFrame is the idle keep-alive frame.
func HeartbeatFrame() Envelope {
	return Envelope{Type: FrameHeartbeat, Timestamp: now()}
}
