package types

import "time"

// Plan is the parsed, validated DAG of stages loaded from a single plan
// document. It is immutable after parse.
type Plan struct {
	ID         string
	Name       string
	SourcePath string
	Stages     []StageDefinition
}

// StageDefinition is the declarative form of a stage as written in the plan
// document, before any runtime state exists.
type StageDefinition struct {
	Version       int      `yaml:"version"`
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description,omitempty"`
	Dependencies  []string `yaml:"dependencies,omitempty"`
	ParallelGroup string   `yaml:"parallel_group,omitempty"`
	Acceptance    []string `yaml:"acceptance,omitempty"`
	Files         []string `yaml:"files,omitempty"`
}

// StageType distinguishes ordinary development work from knowledge stages,
// which are allowed to complete without a merge commit.
type StageType string

const (
	StageTypeStandard  StageType = "standard"
	StageTypeKnowledge StageType = "knowledge"
)

// StageStatus is the stage lifecycle state. Only the orchestrator transitions
// a stage between these values.
type StageStatus string

const (
	StatusWaitingForDeps        StageStatus = "waiting_for_deps"
	StatusQueued                StageStatus = "queued"
	StatusExecuting              StageStatus = "executing"
	StatusCompleted              StageStatus = "completed"
	StatusCompletedWithFailures  StageStatus = "completed_with_failures"
	StatusBlocked                StageStatus = "blocked"
	StatusNeedsHandoff           StageStatus = "needs_handoff"
	StatusWaitingForInput        StageStatus = "waiting_for_input"
	StatusMergeConflict          StageStatus = "merge_conflict"
	StatusMergeBlocked           StageStatus = "merge_blocked"
	StatusSkipped                StageStatus = "skipped"
)

// Terminal reports whether a status is one the orchestrator will never
// transition out of on its own.
func (s StageStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithFailures, StatusBlocked, StatusSkipped:
		return true
	default:
		return false
	}
}

// FailureInfo captures the most recent failure classification for a stage.
type FailureInfo struct {
	CloseReason string    `yaml:"close_reason"`
	Kind        string    `yaml:"kind"`
	At          time.Time `yaml:"at"`
}

// Stage is the authoritative runtime record for a unit of planned work. It is
// persisted verbatim (as YAML frontmatter) by pkg/stagestore.
type Stage struct {
	// identity
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	PlanID      string `yaml:"plan_id"`

	// structure
	Dependencies  []string  `yaml:"dependencies,omitempty"`
	ParallelGroup string    `yaml:"parallel_group,omitempty"`
	Acceptance    []string  `yaml:"acceptance,omitempty"`
	Setup         []string  `yaml:"setup,omitempty"`
	Files         []string  `yaml:"files,omitempty"`
	StageType     StageType `yaml:"stage_type"`

	// lifecycle
	Status         StageStatus  `yaml:"status"`
	Held           bool         `yaml:"held"`
	CloseReason    string       `yaml:"close_reason,omitempty"`
	RetryCount     int          `yaml:"retry_count"`
	MaxRetries     int          `yaml:"max_retries"`
	LastFailureAt  *time.Time   `yaml:"last_failure_at,omitempty"`
	FailureInfo    *FailureInfo `yaml:"failure_info,omitempty"`

	// worktree/branch
	Worktree       string   `yaml:"worktree,omitempty"`
	BaseBranch     string   `yaml:"base_branch,omitempty"`
	ResolvedBase   string   `yaml:"resolved_base,omitempty"`
	BaseMergedFrom []string `yaml:"base_merged_from,omitempty"`
	CompletedCommit string  `yaml:"completed_commit,omitempty"`
	Merged         bool     `yaml:"merged"`
	MergeConflict  bool     `yaml:"merge_conflict"`

	// runtime association
	Session    string `yaml:"session,omitempty"`
	AutoMerge  *bool  `yaml:"auto_merge,omitempty"`
	WorkingDir string `yaml:"working_dir,omitempty"`

	// timestamps
	CreatedAt   time.Time  `yaml:"created_at"`
	UpdatedAt   time.Time  `yaml:"updated_at"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty"`
}

// DependencySatisfied reports whether dep is ready to gate a dependent:
// completed and merged is the sole readiness gate.
func (s *Stage) DependencySatisfied() bool {
	return s.Status == StatusCompleted && s.Merged
}

// CanTransitionToExecuting reports whether s may move to Executing. Only
// Queued stages may start a session.
func (s *Stage) CanTransitionToExecuting() bool {
	return s.Status == StatusQueued
}

// SessionStatus is the lifecycle state of a spawned agent session.
type SessionStatus string

const (
	SessionSpawning         SessionStatus = "spawning"
	SessionRunning          SessionStatus = "running"
	SessionPaused           SessionStatus = "paused"
	SessionCompleted        SessionStatus = "completed"
	SessionCrashed          SessionStatus = "crashed"
	SessionContextExhausted SessionStatus = "context_exhausted"
)

// DefaultContextLimit is the token budget assumed when a session does not
// report one explicitly.
const DefaultContextLimit = 200_000

// ContextWarnThreshold is the fraction of ContextLimit at which a session is
// considered to be approaching exhaustion.
const ContextWarnThreshold = 0.75

// Session is the runtime record for one spawned agent process.
type Session struct {
	ID           string        `yaml:"id"`
	Status       SessionStatus `yaml:"status"`
	StageID      string        `yaml:"stage_id"`
	WorktreePath string        `yaml:"worktree_path"`
	TmuxSession  string        `yaml:"tmux_session,omitempty"`
	PID          int           `yaml:"pid,omitempty"`
	ContextTokens int          `yaml:"context_tokens"`
	ContextLimit  int          `yaml:"context_limit"`
	CreatedAt    time.Time     `yaml:"created_at"`
	LastActive   time.Time     `yaml:"last_active"`
}

// ContextPercent returns the fraction of the context budget consumed, or 0
// if no limit is set.
func (s *Session) ContextPercent() float64 {
	if s.ContextLimit <= 0 {
		return 0
	}
	return float64(s.ContextTokens) / float64(s.ContextLimit)
}

// WorktreeStatus tracks the lifecycle of a per-stage git worktree.
type WorktreeStatus string

const (
	WorktreeActive   WorktreeStatus = "active"
	WorktreeMerging  WorktreeStatus = "merging"
	WorktreeConflict WorktreeStatus = "conflict"
	WorktreeMerged   WorktreeStatus = "merged"
)

// Worktree describes one isolated git working tree and its branch.
type Worktree struct {
	Path   string
	Branch string
	Status WorktreeStatus
}

// StageBranch returns the branch name for a regular stage worktree.
func StageBranch(stageID string) string {
	return "loom/" + stageID
}

// BaseBranch returns the synthetic base-branch name for a multi-dependency
// stage.
func BaseBranch(stageID string) string {
	return "loom/_base/" + stageID
}

// Heartbeat is the liveness record an agent's hook writes periodically.
type Heartbeat struct {
	StageID        string    `json:"stage_id"`
	SessionID      string    `json:"session_id"`
	Timestamp      time.Time `json:"timestamp"`
	ContextPercent *float64  `json:"context_percent,omitempty"`
	LastTool       string    `json:"last_tool,omitempty"`
	Activity       string    `json:"activity,omitempty"`
}

// DefaultHeartbeatFreshness is the staleness threshold after which a
// heartbeat is no longer considered recent.
const DefaultHeartbeatFreshness = 5 * time.Minute

// CheckpointStatus is the outcome an agent reports for a completed task.
type CheckpointStatus string

const (
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointBlocked   CheckpointStatus = "blocked"
	CheckpointNeedsHelp CheckpointStatus = "needs_help"
)

// Checkpoint is an agent-authored task-completion record, subject to
// verification.
type Checkpoint struct {
	TaskID    string             `yaml:"task_id"`
	Status    CheckpointStatus   `yaml:"status"`
	Outputs   map[string]string  `yaml:"outputs,omitempty"`
	Notes     string             `yaml:"notes,omitempty"`
	CreatedAt time.Time          `yaml:"created_at"`
}

// VerificationRuleKind enumerates the task-verification rule types.
type VerificationRuleKind string

const (
	VerifyFileExists       VerificationRuleKind = "file_exists"
	VerifyContainsRegex    VerificationRuleKind = "contains_regex"
	VerifyCommandExitCode  VerificationRuleKind = "command_exit_code"
	VerifyOutputKeySet     VerificationRuleKind = "output_key_set"
)

// VerificationRule is a single acceptance rule attached to a task.
type VerificationRule struct {
	Kind     VerificationRuleKind `yaml:"kind"`
	Path     string               `yaml:"path,omitempty"`
	Pattern  string               `yaml:"pattern,omitempty"`
	Command  string               `yaml:"command,omitempty"`
	ExitCode int                  `yaml:"exit_code,omitempty"`
	Keys     []string             `yaml:"keys,omitempty"`
}

// TaskDefinition is one task within a stage's task-state mirror.
type TaskDefinition struct {
	ID           string              `yaml:"id"`
	Description  string              `yaml:"description,omitempty"`
	Dependencies []string            `yaml:"dependencies,omitempty"`
	Verification []VerificationRule  `yaml:"verification,omitempty"`
}

// TaskState mirrors a stage's task definitions and completion records under
// <work>/task-state/<stage>.yaml.
type TaskState struct {
	StageID           string           `yaml:"stage_id"`
	Tasks             []TaskDefinition `yaml:"tasks"`
	Completions       []Checkpoint     `yaml:"completions,omitempty"`
	CurrentTaskIndex  int              `yaml:"current_task_index"`
}

// MemoryEntryKind enumerates the kinds of memory-journal entries.
type MemoryEntryKind string

const (
	MemoryNote     MemoryEntryKind = "note"
	MemoryDecision MemoryEntryKind = "decision"
	MemoryQuestion MemoryEntryKind = "question"
)

// MemoryEntry is one append-only record in a session's memory journal.
type MemoryEntry struct {
	Kind      MemoryEntryKind
	Timestamp time.Time
	Content   string
	Context   string
}

// FactConfidence is the confidence level attached to a stored fact.
type FactConfidence string

const (
	ConfidenceLow    FactConfidence = "low"
	ConfidenceMedium FactConfidence = "medium"
	ConfidenceHigh   FactConfidence = "high"
)

// Fact is one entry in the shared facts store.
type Fact struct {
	Value      string         `toml:"value"`
	StageID    string         `toml:"stage_id"`
	Timestamp  time.Time      `toml:"timestamp"`
	Confidence FactConfidence `toml:"confidence"`
}

// NodeStatus is an execution-graph projection node's status. It mirrors, but
// is not identical to, StageStatus: the graph only tracks the subset needed
// for readiness computation.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeExecuting NodeStatus = "executing"
	NodeCompleted NodeStatus = "completed"
	NodeBlocked   NodeStatus = "blocked"
)

// CompletionSummary is broadcast through the daemon protocol when the
// orchestrator run loop exits.
type CompletionSummary struct {
	Stages       []StageSummary `json:"stages"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
}

// StageSummary is one row of a CompletionSummary.
type StageSummary struct {
	ID           string        `json:"id"`
	Status       StageStatus   `json:"status"`
	Merged       bool          `json:"merged"`
	Dependencies []string      `json:"dependencies"`
	Duration     time.Duration `json:"duration"`
	CloseReason  string        `json:"close_reason,omitempty"`
}
