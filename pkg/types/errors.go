package types

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// PlanValidationError aggregates every violation found while parsing and
// validating a plan document. Callers should report all of Violations, not
// just the first.
type PlanValidationError struct {
	Path       string
	Violations *multierror.Error
}

func (e *PlanValidationError) Error() string {
	return fmt.Sprintf("plan %q failed validation: %s", e.Path, e.Violations.Error())
}

func (e *PlanValidationError) Unwrap() error {
	return e.Violations
}

// Add appends a violation to the aggregated error set.
func (e *PlanValidationError) Add(format string, args ...any) {
	e.Violations = multierror.Append(e.Violations, fmt.Errorf(format, args...))
}

// HasViolations reports whether any violation has been recorded.
func (e *PlanValidationError) HasViolations() bool {
	return e.Violations != nil && e.Violations.Len() > 0
}

// GraphError signals a cycle or an unresolvable dependency reference found
// while building the execution graph. It is fatal to plan materialisation.
type GraphError struct {
	Reason string
	Cycle  []string
}

func (e *GraphError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("execution graph error: %s: %v", e.Reason, e.Cycle)
	}
	return fmt.Sprintf("execution graph error: %s", e.Reason)
}

// StageNotFound is returned when an operation references a stage id absent
// from the store or graph.
type StageNotFound struct {
	StageID string
}

func (e *StageNotFound) Error() string {
	return fmt.Sprintf("stage not found: %s", e.StageID)
}

// InvalidTransition is returned when a caller requests a state transition
// that is not legal from the stage's current status.
type InvalidTransition struct {
	StageID string
	From    StageStatus
	To      StageStatus
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition for stage %s: %s -> %s", e.StageID, e.From, e.To)
}

// GitError wraps a failed git invocation with full context for diagnosis.
type GitError struct {
	Args       []string
	Dir        string
	Stdout     string
	Stderr     string
	ExitCode   int
	Underlying error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %v (dir=%s, exit=%d): %s", e.Args, e.Dir, e.ExitCode, e.Stderr)
}

func (e *GitError) Unwrap() error {
	return e.Underlying
}

// MergeConflictError is recoverable: it causes the stage to transition to
// MergeConflict and a resolution session to be spawned.
type MergeConflictError struct {
	StageID        string
	ConflictFiles  []string
	SourceBranches []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict for stage %s: %v", e.StageID, e.ConflictFiles)
}

// SessionSpawnError is fatal for a single spawn attempt; it is fed to the
// retry policy by the orchestrator.
type SessionSpawnError struct {
	StageID    string
	Reason     string
	Underlying error
}

func (e *SessionSpawnError) Error() string {
	return fmt.Sprintf("failed to spawn session for stage %s: %s", e.StageID, e.Reason)
}

func (e *SessionSpawnError) Unwrap() error {
	return e.Underlying
}

// ProtocolError is returned by the daemon's frame reader for oversized or
// malformed messages; it always closes the connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("daemon protocol error: %s", e.Reason)
}

// FilesystemError annotates a stdlib I/O error with the operation and path
// that failed.
type FilesystemError struct {
	Op         string
	Path       string
	Underlying error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Underlying)
}

func (e *FilesystemError) Unwrap() error {
	return e.Underlying
}
