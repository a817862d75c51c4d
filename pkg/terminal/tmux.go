package terminal

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cosmix/loom/pkg/types"
)

// sendKeysDebounce separates writing prompt text from sending Enter, so the
// host terminal's line editor has settled before submission.
const sendKeysDebounce = 200 * time.Millisecond

// MultiplexedBackend places each session inside a window of one long-lived
// tmux server, rather than owning a child process directly. Every window's
// pane is logged via pipe-pane.
type MultiplexedBackend struct {
	TmuxSocket string // optional -L socket name; empty uses the default server
	LogDir     string
}

// NewMultiplexedBackend returns a MultiplexedBackend attached to the given
// tmux socket name (empty for the default server).
func NewMultiplexedBackend(tmuxSocket, logDir string) *MultiplexedBackend {
	return &MultiplexedBackend{TmuxSocket: tmuxSocket, LogDir: logDir}
}

func (b *MultiplexedBackend) BackendType() BackendType { return BackendTmux }

func (b *MultiplexedBackend) tmux(ctx context.Context, args ...string) (string, error) {
	if b.TmuxSocket != "" {
		args = append([]string{"-L", b.TmuxSocket}, args...)
	}
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %v: %w: %s", args, err, out)
	}
	return string(out), nil
}

func (b *MultiplexedBackend) windowName(sessionID string) string {
	return "loom-" + sessionID
}

func (b *MultiplexedBackend) spawn(ctx context.Context, req SpawnRequest) (*types.Session, error) {
	window := b.windowName(req.SessionID)

	envArgs := []string{}
	for _, kv := range sessionEnv(req) {
		envArgs = append(envArgs, "-e", kv)
	}

	args := append([]string{"new-window", "-d", "-n", window, "-c", req.WorkingDir}, envArgs...)
	if _, err := b.tmux(ctx, args...); err != nil {
		return nil, &types.SessionSpawnError{StageID: req.StageID, Reason: "new-window", Underlying: err}
	}

	if b.LogDir != "" {
		logPath := b.LogDir + "/" + req.StageID + ".log"
		if _, err := b.tmux(ctx, "pipe-pane", "-t", window, "-o", "cat >> "+logPath); err != nil {
			return nil, &types.SessionSpawnError{StageID: req.StageID, Reason: "pipe-pane", Underlying: err}
		}
	}

	if err := b.sendKeys(ctx, window, initialPrompt(req.SignalPath)); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &types.Session{
		ID:           req.SessionID,
		Status:       types.SessionRunning,
		StageID:      req.StageID,
		WorktreePath: req.WorkingDir,
		TmuxSession:  window,
		ContextLimit: types.DefaultContextLimit,
		CreatedAt:    now,
		LastActive:   now,
	}, nil
}

// sendKeys types text into the window's pane, waits for the debounce
// window, then sends a trailing Enter in a separate call so the terminal's
// line editor has settled before submission.
func (b *MultiplexedBackend) sendKeys(ctx context.Context, window, text string) error {
	if _, err := b.tmux(ctx, "send-keys", "-t", window, "-l", text); err != nil {
		return &types.SessionSpawnError{Reason: "send-keys text", Underlying: err}
	}
	time.Sleep(sendKeysDebounce)
	if _, err := b.tmux(ctx, "send-keys", "-t", window, "Enter"); err != nil {
		return &types.SessionSpawnError{Reason: "send-keys enter", Underlying: err}
	}
	return nil
}

func (b *MultiplexedBackend) SpawnSession(ctx context.Context, req SpawnRequest) (*types.Session, error) {
	if req.SessionID == "" {
		req.SessionID = "session-" + uuid.NewString()
	}
	return b.spawn(ctx, req)
}

func (b *MultiplexedBackend) SpawnMergeSession(ctx context.Context, req SpawnRequest) (*types.Session, error) {
	if req.SessionID == "" {
		req.SessionID = "merge-" + uuid.NewString()
	}
	return b.spawn(ctx, req)
}

func (b *MultiplexedBackend) KillSession(ctx context.Context, session *types.Session) error {
	_, err := b.tmux(ctx, "kill-window", "-t", session.TmuxSession)
	if err != nil && strings.Contains(err.Error(), "can't find window") {
		return nil
	}
	return err
}

func (b *MultiplexedBackend) IsSessionAlive(session *types.Session) bool {
	out, err := b.tmux(context.Background(), "list-windows", "-F", "#{window_name}")
	if err != nil {
		return false
	}
	for _, w := range strings.Split(out, "\n") {
		if strings.TrimSpace(w) == session.TmuxSession {
			return true
		}
	}
	return false
}

func (b *MultiplexedBackend) AttachSession(ctx context.Context, session *types.Session) error {
	args := []string{}
	if b.TmuxSocket != "" {
		args = append(args, "-L", b.TmuxSocket)
	}
	args = append(args, "select-window", "-t", session.TmuxSession)
	cmd := exec.CommandContext(ctx, "tmux", args...)
	return cmd.Run()
}

func (b *MultiplexedBackend) AttachAll(ctx context.Context, sessions []*types.Session) error {
	for _, s := range sessions {
		if err := b.AttachSession(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
