package failure

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cosmix/loom/pkg/types"
)

// maxRecordedFailures bounds the failure history kept per stage; only the
// most recent records are useful for diagnosing a repeated failure.
const maxRecordedFailures = 10

// DefaultRetryBaseSeconds and DefaultRetryMaxSeconds parameterize the
// exponential backoff applied between automatic retries.
const (
	DefaultRetryBaseSeconds = 30
	DefaultRetryMaxSeconds  = 300
	DefaultEscalationThreshold = 3
)

// Record is one historical failure for a stage.
type Record struct {
	Kind        Kind      `yaml:"kind"`
	CloseReason string    `yaml:"close_reason"`
	At          time.Time `yaml:"at"`
}

// State is the persisted retry/escalation state for a single stage,
// stored at <work>/state/<stage>.yaml.
type State struct {
	StageID             string    `yaml:"stage_id"`
	ConsecutiveFailures int       `yaml:"consecutive_failures"`
	Records             []Record  `yaml:"records,omitempty"`
	Escalated           bool      `yaml:"escalated"`
}

// Tracker persists per-stage failure state and computes retry/backoff and
// escalation decisions.
type Tracker struct {
	dir                 string
	retryBaseSeconds    int
	retryMaxSeconds      int
	escalationThreshold int
}

// NewTracker returns a Tracker rooted at <work>/state, creating the
// directory if necessary.
func NewTracker(workDir string, retryBaseSeconds, retryMaxSeconds, escalationThreshold int) (*Tracker, error) {
	dir := filepath.Join(workDir, "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &types.FilesystemError{Op: "mkdir", Path: dir, Underlying: err}
	}
	if retryBaseSeconds <= 0 {
		retryBaseSeconds = DefaultRetryBaseSeconds
	}
	if retryMaxSeconds <= 0 {
		retryMaxSeconds = DefaultRetryMaxSeconds
	}
	if escalationThreshold <= 0 {
		escalationThreshold = DefaultEscalationThreshold
	}
	return &Tracker{
		dir:                 dir,
		retryBaseSeconds:    retryBaseSeconds,
		retryMaxSeconds:     retryMaxSeconds,
		escalationThreshold: escalationThreshold,
	}, nil
}

func (t *Tracker) path(stageID string) string {
	return filepath.Join(t.dir, stageID+".yaml")
}

// Load reads a stage's failure state, returning a fresh zero-value State if
// none exists yet.
func (t *Tracker) Load(stageID string) (*State, error) {
	data, err := os.ReadFile(t.path(stageID))
	if os.IsNotExist(err) {
		return &State{StageID: stageID}, nil
	}
	if err != nil {
		return nil, &types.FilesystemError{Op: "read", Path: t.path(stageID), Underlying: err}
	}
	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal failure state for %s: %w", stageID, err)
	}
	return &s, nil
}

func (t *Tracker) save(s *State) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal failure state for %s: %w", s.StageID, err)
	}
	path := t.path(s.StageID)
	tmp, err := os.CreateTemp(t.dir, ".tmp-"+s.StageID+"-*")
	if err != nil {
		return &types.FilesystemError{Op: "create temp", Path: t.dir, Underlying: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &types.FilesystemError{Op: "write", Path: tmpPath, Underlying: err}
	}
	if err := tmp.Close(); err != nil {
		return &types.FilesystemError{Op: "close", Path: tmpPath, Underlying: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &types.FilesystemError{Op: "rename", Path: path, Underlying: err}
	}
	return nil
}

// Decision describes what the orchestrator should do about a just-observed
// failure.
type Decision struct {
	Kind       Kind
	ShouldRetry bool
	RetryAfter  time.Duration
	Escalate    bool
}

// Record classifies closeReason, appends it to the stage's persisted
// failure history (capping at maxRecordedFailures), and returns the
// resulting retry/escalation decision. maxRetries is the stage's own
// configured cap (types.Stage.MaxRetries); it is independent of — and
// enforced in addition to — the tracker-wide escalation threshold, so a
// stage configured with a tighter cap than the global default still
// escalates on schedule. A maxRetries of 0 or less means "no stage-level
// cap," leaving the global threshold as the sole bound.
func (t *Tracker) Record(stageID, closeReason string, now time.Time, maxRetries int) (*Decision, error) {
	state, err := t.Load(stageID)
	if err != nil {
		return nil, err
	}

	kind := Classify(closeReason)
	state.ConsecutiveFailures++
	state.Records = append(state.Records, Record{Kind: kind, CloseReason: closeReason, At: now})
	if len(state.Records) > maxRecordedFailures {
		state.Records = state.Records[len(state.Records)-maxRecordedFailures:]
	}

	decision := &Decision{Kind: kind}

	switch {
	case state.ConsecutiveFailures >= t.escalationThreshold:
		state.Escalated = true
		decision.Escalate = true
	case maxRetries > 0 && state.ConsecutiveFailures >= maxRetries:
		state.Escalated = true
		decision.Escalate = true
	case Retryable(kind):
		decision.ShouldRetry = true
		decision.RetryAfter = t.backoff(state.ConsecutiveFailures)
	default:
		decision.Escalate = true
	}

	if err := t.save(state); err != nil {
		return nil, err
	}
	return decision, nil
}

// Reset clears a stage's failure history, called once a stage completes
// successfully.
func (t *Tracker) Reset(stageID string) error {
	return t.save(&State{StageID: stageID})
}

// backoff computes min(max, base*2^(n-1)) for the nth consecutive failure.
func (t *Tracker) backoff(consecutiveFailures int) time.Duration {
	n := consecutiveFailures
	if n < 1 {
		n = 1
	}
	secs := float64(t.retryBaseSeconds) * math.Pow(2, float64(n-1))
	if secs > float64(t.retryMaxSeconds) {
		secs = float64(t.retryMaxSeconds)
	}
	return time.Duration(secs) * time.Second
}
