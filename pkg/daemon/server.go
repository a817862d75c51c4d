package daemon

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cosmix/loom/pkg/types"
)

// StatusProvider is implemented by the orchestrator: the daemon polls it to
// fan out status updates to subscribers.
type StatusProvider interface {
	StatusSnapshot() StatusUpdate
}

// Server exposes one orchestration over a Unix domain socket. Commands that
// mutate orchestrator state (Stop) require a caller to present the
// per-run auth token minted by NewServer; read-only subscriptions do not.
type Server struct {
	socketPath string
	token      string
	status     StatusProvider
	log        zerolog.Logger

	mu          sync.Mutex
	subscribers map[net.Conn]bool

	listener net.Listener
}

// NewServer returns a Server bound to socketPath with a freshly minted auth
// token, which is also returned to the caller: a client must present it to
// send Stop.
func NewServer(socketPath string, status StatusProvider, logger zerolog.Logger) (*Server, string, error) {
	tokenBytes := make([]byte, 16)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, "", err
	}
	token := hex.EncodeToString(tokenBytes)

	return &Server{
		socketPath:  socketPath,
		token:       token,
		status:      status,
		log:         logger.With().Str("component", "daemon").Logger(),
		subscribers: make(map[net.Conn]bool),
	}, token, nil
}

// Listen starts accepting connections on the server's Unix domain socket. It
// blocks until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return &types.FilesystemError{Op: "listen", Path: s.socketPath, Underlying: err}
	}
	s.listener = ln
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Broadcast pushes a status update to every subscribed connection,
// dropping (and closing) any connection whose outbound write fails.
func (s *Server) Broadcast(update StatusUpdate) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.subscribers))
	for c := range s.subscribers {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := WriteMessage(c, Message{Type: MsgStatusUpdate, Status: &update}); err != nil {
			s.mu.Lock()
			delete(s.subscribers, c)
			s.mu.Unlock()
			c.Close()
		}
	}
}

// BroadcastComplete notifies every subscriber that the run has finished and
// closes their connections.
func (s *Server) BroadcastComplete(summary *types.CompletionSummary) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.subscribers))
	for c := range s.subscribers {
		conns = append(conns, c)
		delete(s.subscribers, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = WriteMessage(c, Message{Type: MsgOrchestrationComplete, Summary: summary})
		c.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		msg, err := ReadMessage(reader)
		if err != nil {
			s.removeSubscriber(conn)
			conn.Close()
			return
		}
		s.dispatch(conn, msg)
	}
}

func (s *Server) dispatch(conn net.Conn, msg Message) {
	switch msg.Type {
	case MsgPing:
		_ = WriteMessage(conn, Message{Type: MsgPong})
	case MsgSubscribeStatus:
		s.mu.Lock()
		s.subscribers[conn] = true
		s.mu.Unlock()
		_ = WriteMessage(conn, Message{Type: MsgStatusUpdate, Status: statusPtr(s.status.StatusSnapshot())})
	case MsgUnsubscribe:
		s.removeSubscriber(conn)
		_ = WriteMessage(conn, Message{Type: MsgOk})
	case MsgStop:
		if msg.Token != s.token {
			_ = WriteMessage(conn, Message{Type: MsgError, Error: "invalid auth token"})
			return
		}
		_ = WriteMessage(conn, Message{Type: MsgOk})
	default:
		_ = WriteMessage(conn, Message{Type: MsgError, Error: "unknown message type"})
	}
}

func (s *Server) removeSubscriber(conn net.Conn) {
	s.mu.Lock()
	delete(s.subscribers, conn)
	s.mu.Unlock()
}

func statusPtr(u StatusUpdate) *StatusUpdate { return &u }
