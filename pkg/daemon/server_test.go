package daemon

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatusProvider struct{ update StatusUpdate }

func (f fakeStatusProvider) StatusSnapshot() StatusUpdate { return f.update }

func TestServer_PingPong(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "orchestrator.sock")
	srv, _, err := NewServer(socketPath, fakeStatusProvider{}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Listen(ctx)
	waitForSocket(t, socketPath)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteMessage(conn, Message{Type: MsgPing}))
	resp, err := ReadMessage(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.Equal(t, MsgPong, resp.Type)
}

func TestServer_SubscribeAndBroadcast(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "orchestrator.sock")
	srv, _, err := NewServer(socketPath, fakeStatusProvider{update: StatusUpdate{Executing: 1}}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Listen(ctx)
	waitForSocket(t, socketPath)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteMessage(conn, Message{Type: MsgSubscribeStatus}))
	reader := bufio.NewReader(conn)
	first, err := ReadMessage(reader)
	require.NoError(t, err)
	assert.Equal(t, MsgStatusUpdate, first.Type)
	assert.Equal(t, 1, first.Status.Executing)

	srv.Broadcast(StatusUpdate{Executing: 2, Pending: 5})
	second, err := ReadMessage(reader)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Status.Executing)
	assert.Equal(t, 5, second.Status.Pending)
}

func TestServer_StopRequiresValidToken(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "orchestrator.sock")
	srv, token, err := NewServer(socketPath, fakeStatusProvider{}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Listen(ctx)
	waitForSocket(t, socketPath)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteMessage(conn, Message{Type: MsgStop, Token: "wrong"}))
	resp, err := ReadMessage(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.Equal(t, MsgError, resp.Type)

	conn2, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn2.Close()
	require.NoError(t, WriteMessage(conn2, Message{Type: MsgStop, Token: token}))
	resp2, err := ReadMessage(bufio.NewReader(conn2))
	require.NoError(t, err)
	assert.Equal(t, MsgOk, resp2.Type)
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never became ready", path)
}
