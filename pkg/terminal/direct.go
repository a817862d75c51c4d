package terminal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cosmix/loom/pkg/log"
	"github.com/cosmix/loom/pkg/types"
)

// DirectBackend owns each spawned agent as a direct child process of the
// orchestrator. Graceful shutdown sends SIGTERM and falls back to SIGKILL
// after a timeout, the same two-step pattern loom's embedded-process
// lifecycle manager uses for auxiliary daemons.
type DirectBackend struct {
	// AgentCommand is the executable (and leading args) used to start the
	// hosted agent, e.g. []string{"claude", "--print"}. The signal path is
	// appended as the final argument's prompt text.
	AgentCommand []string
	LogDir       string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewDirectBackend returns a DirectBackend that launches agentCommand and
// writes pane logs under logDir.
func NewDirectBackend(agentCommand []string, logDir string) *DirectBackend {
	return &DirectBackend{
		AgentCommand: agentCommand,
		LogDir:       logDir,
		procs:        make(map[string]*exec.Cmd),
	}
}

func (b *DirectBackend) BackendType() BackendType { return BackendDirect }

func (b *DirectBackend) spawn(ctx context.Context, req SpawnRequest) (*types.Session, error) {
	if len(b.AgentCommand) == 0 {
		return nil, &types.SessionSpawnError{StageID: req.StageID, Reason: "no agent command configured"}
	}

	args := append([]string(nil), b.AgentCommand[1:]...)
	args = append(args, initialPrompt(req.SignalPath))

	cmd := exec.CommandContext(ctx, b.AgentCommand[0], args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), sessionEnv(req)...)

	stageLog := log.WithStageID(req.StageID)
	logPath := ""
	if b.LogDir != "" {
		logPath = b.LogDir + "/" + req.StageID + ".log"
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			cmd.Stdout = f
			cmd.Stderr = f
		}
	}
	if cmd.Stdout == nil {
		cmd.Stdout = &logWriter{logger: stageLog}
		cmd.Stderr = &logWriter{logger: stageLog}
	}

	if err := cmd.Start(); err != nil {
		return nil, &types.SessionSpawnError{StageID: req.StageID, Reason: "start process", Underlying: err}
	}

	b.mu.Lock()
	b.procs[req.SessionID] = cmd
	b.mu.Unlock()

	go func() {
		_ = cmd.Wait()
	}()

	now := time.Now().UTC()
	return &types.Session{
		ID:            req.SessionID,
		Status:        types.SessionRunning,
		StageID:       req.StageID,
		WorktreePath:  req.WorkingDir,
		PID:           cmd.Process.Pid,
		ContextLimit:  types.DefaultContextLimit,
		CreatedAt:     now,
		LastActive:    now,
	}, nil
}

func (b *DirectBackend) SpawnSession(ctx context.Context, req SpawnRequest) (*types.Session, error) {
	if req.SessionID == "" {
		req.SessionID = "session-" + uuid.NewString()
	}
	return b.spawn(ctx, req)
}

func (b *DirectBackend) SpawnMergeSession(ctx context.Context, req SpawnRequest) (*types.Session, error) {
	if req.SessionID == "" {
		req.SessionID = "merge-" + uuid.NewString()
	}
	return b.spawn(ctx, req)
}

func (b *DirectBackend) KillSession(ctx context.Context, session *types.Session) error {
	b.mu.Lock()
	cmd, ok := b.procs[session.ID]
	b.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Errorf("send SIGTERM to session %s", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-time.After(10 * time.Second):
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill session %s: %w", session.ID, err)
		}
		<-done
	case <-done:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
	}
	return nil
}

func (b *DirectBackend) IsSessionAlive(session *types.Session) bool {
	if session.PID <= 0 {
		return false
	}
	proc, err := os.FindProcess(session.PID)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (b *DirectBackend) AttachSession(ctx context.Context, session *types.Session) error {
	return fmt.Errorf("direct backend sessions have no terminal to attach to; inspect %s.log instead", session.StageID)
}

func (b *DirectBackend) AttachAll(ctx context.Context, sessions []*types.Session) error {
	return fmt.Errorf("direct backend does not support attach-all")
}

type logWriter struct {
	logger zerolog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Info().Msg(string(p))
	return len(p), nil
}
