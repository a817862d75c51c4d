// Package daemon exposes a running orchestration over a Unix domain socket:
// a small length-prefixed JSON protocol lets a separate CLI invocation
// attach to the status stream without sharing the orchestrator's process.
// Log streams are not served: the server answers a SubscribeLogs request
// with an error message.
package daemon

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/cosmix/loom/pkg/types"
)

// maxFrameBytes bounds a single protocol message; a larger declared length
// is rejected outright rather than read into memory.
const maxFrameBytes = 10 * 1024 * 1024

// MessageType enumerates every request and response the protocol carries.
type MessageType string

const (
	MsgPing             MessageType = "ping"
	MsgSubscribeStatus  MessageType = "subscribe_status"
	MsgSubscribeLogs    MessageType = "subscribe_logs"
	MsgStop             MessageType = "stop"
	MsgUnsubscribe      MessageType = "unsubscribe"

	MsgPong                 MessageType = "pong"
	MsgOk                   MessageType = "ok"
	MsgError                MessageType = "error"
	MsgStatusUpdate         MessageType = "status_update"
	MsgOrchestrationComplete MessageType = "orchestration_complete"
	MsgLogLine              MessageType = "log_line"
)

// Message is the envelope for every frame exchanged over the socket.
// Exactly one of the payload fields is populated per Type.
type Message struct {
	Type    MessageType             `json:"type"`
	Token   string                  `json:"token,omitempty"`
	Error   string                  `json:"error,omitempty"`
	Status  *StatusUpdate           `json:"status,omitempty"`
	Summary *types.CompletionSummary `json:"summary,omitempty"`
	Log     *LogLine                `json:"log,omitempty"`
}

// StatusUpdate is the periodic broadcast sent to every status subscriber.
type StatusUpdate struct {
	Executing int `json:"executing"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Blocked   int `json:"blocked"`
}

// LogLine is one line forwarded to a log subscriber, tagged with its
// originating stage.
type LogLine struct {
	StageID string `json:"stage_id"`
	Text    string `json:"text"`
}

// WriteMessage frames msg as a 4-byte big-endian length prefix followed by
// its JSON encoding.
func WriteMessage(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > maxFrameBytes {
		return &types.ProtocolError{Reason: "outgoing message exceeds max frame size"}
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadMessage reads one length-prefixed frame. A declared length exceeding
// maxFrameBytes is rejected without reading the body, so a misbehaving or
// malicious peer cannot force an unbounded allocation.
func ReadMessage(r *bufio.Reader) (Message, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameBytes {
		return Message{}, &types.ProtocolError{Reason: "frame exceeds maximum size"}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, &types.ProtocolError{Reason: "malformed frame: " + err.Error()}
	}
	return msg, nil
}
