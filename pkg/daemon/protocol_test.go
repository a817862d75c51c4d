package daemon

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmix/loom/pkg/types"
)

func TestWriteReadMessage_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Type: MsgStatusUpdate, Status: &StatusUpdate{Executing: 2, Pending: 1, Completed: 3, Blocked: 0}}
	require.NoError(t, WriteMessage(&buf, msg))

	got, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, msg.Status.Executing, got.Status.Executing)
}

func TestReadMessage_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, maxFrameBytes+1)
	buf.Write(header)
	buf.WriteString(strings.Repeat("x", 16))

	_, err := ReadMessage(bufio.NewReader(&buf))
	require.Error(t, err)
	var perr *types.ProtocolError
	assert.True(t, errors.As(err, &perr))
}

func TestWriteMessage_RejectsOversizedOutgoing(t *testing.T) {
	var buf bytes.Buffer
	huge := LogLine{Text: strings.Repeat("x", maxFrameBytes+1)}
	err := WriteMessage(&buf, Message{Type: MsgLogLine, Log: &huge})
	require.Error(t, err)
}
