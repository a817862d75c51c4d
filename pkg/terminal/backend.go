// Package terminal abstracts the host process/terminal that runs a spawned
// agent. Two implementations exist: a direct-process backend that owns the
// child directly, and a multiplexed backend that places each session inside
// a window of a long-lived tmux server.
package terminal

import (
	"context"

	"github.com/cosmix/loom/pkg/types"
)

// BackendType names a Backend implementation.
type BackendType string

const (
	BackendDirect BackendType = "direct"
	BackendTmux   BackendType = "tmux"
)

// SpawnRequest carries everything a Backend needs to start an agent
// subprocess for a stage session.
type SpawnRequest struct {
	SessionID  string
	StageID    string
	WorkingDir string
	WorkDir    string
	SignalPath string
}

// Backend is the narrow capability set every terminal implementation must
// provide. Variants are enum-dispatched, not inherited.
type Backend interface {
	SpawnSession(ctx context.Context, req SpawnRequest) (*types.Session, error)
	SpawnMergeSession(ctx context.Context, req SpawnRequest) (*types.Session, error)
	KillSession(ctx context.Context, session *types.Session) error
	IsSessionAlive(session *types.Session) bool
	AttachSession(ctx context.Context, session *types.Session) error
	AttachAll(ctx context.Context, sessions []*types.Session) error
	BackendType() BackendType
}

func initialPrompt(signalPath string) string {
	return "Read " + signalPath + " and follow its instructions."
}

func sessionEnv(req SpawnRequest) []string {
	return []string{
		"LOOM_SESSION_ID=" + req.SessionID,
		"LOOM_STAGE_ID=" + req.StageID,
		"LOOM_WORK_DIR=" + req.WorkDir,
	}
}
