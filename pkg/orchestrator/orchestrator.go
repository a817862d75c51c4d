// Package orchestrator drives the plan from parsed DAG to completion: it
// selects ready stages, spawns agent sessions for them, reacts to monitor
// events, and merges completed work back onto the target branch.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/cosmix/loom/pkg/config"
	"github.com/cosmix/loom/pkg/failure"
	"github.com/cosmix/loom/pkg/gitworktree"
	"github.com/cosmix/loom/pkg/graph"
	"github.com/cosmix/loom/pkg/knowledge"
	"github.com/cosmix/loom/pkg/monitor"
	"github.com/cosmix/loom/pkg/plan"
	"github.com/cosmix/loom/pkg/signal"
	"github.com/cosmix/loom/pkg/stagestore"
	"github.com/cosmix/loom/pkg/terminal"
	"github.com/cosmix/loom/pkg/types"
)

// Orchestrator owns one plan's run from start to completion summary.
type Orchestrator struct {
	cfg     config.Config
	workDir string

	plan     *types.Plan
	graph    *graph.Graph
	stages   *stagestore.Store
	git      *gitworktree.Module
	backend  terminal.Backend
	mon      *monitor.Monitor
	tracker  *failure.Tracker
	know     *knowledge.Store
	memory   *knowledge.MemoryStore
	facts    *knowledge.FactsStore
	sessions *SessionDB

	sem *semaphore.Weighted
	log zerolog.Logger
}

// New wires every supporting package into a ready-to-run Orchestrator.
func New(cfg config.Config, repoRoot, workDir string, logger zerolog.Logger) (*Orchestrator, error) {
	stageStore, err := stagestore.New(workDir)
	if err != nil {
		return nil, err
	}
	knowStore, err := knowledge.New(repoRoot)
	if err != nil {
		return nil, err
	}
	memStore, err := knowledge.NewMemoryStore(workDir)
	if err != nil {
		return nil, err
	}
	sessionDB, err := OpenSessionDB(filepath.Join(workDir, "sessions.db"))
	if err != nil {
		return nil, err
	}
	tracker, err := failure.NewTracker(workDir, cfg.RetryBaseSeconds, cfg.RetryMaxSeconds, cfg.EscalationThreshold)
	if err != nil {
		return nil, err
	}

	var backend terminal.Backend
	switch cfg.Backend {
	case "tmux":
		backend = terminal.NewMultiplexedBackend("", filepath.Join(workDir, "logs"))
	default:
		backend = terminal.NewDirectBackend(nil, filepath.Join(workDir, "logs"))
	}

	mon := monitor.New(workDir, cfg.HeartbeatFreshness, sessionDB)

	return &Orchestrator{
		cfg:      cfg,
		workDir:  workDir,
		stages:   stageStore,
		git:      &gitworktree.Module{RepoRoot: repoRoot, WorkDir: workDir, DefaultBaseBranch: cfg.DefaultBaseBranch, Logger: logger},
		backend:  backend,
		mon:      mon,
		tracker:  tracker,
		know:     knowStore,
		memory:   memStore,
		facts:    knowledge.NewFactsStore(workDir),
		sessions: sessionDB,
		sem:      semaphore.NewWeighted(int64(cfg.MaxParallel)),
		log:      logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Close releases the orchestrator's long-lived handles.
func (o *Orchestrator) Close() error {
	_ = o.mon.Close()
	return o.sessions.Close()
}

// LoadPlan parses a plan document, builds its execution graph, and seeds a
// Stage record for every stage definition that does not already have one
// (resuming a prior run leaves existing Stage files untouched).
func (o *Orchestrator) LoadPlan(contents []byte, sourcePath string) error {
	p, err := plan.Parse(sourcePath, contents)
	if err != nil {
		return err
	}
	g, err := graph.Build(p.Stages)
	if err != nil {
		return err
	}
	o.plan = p
	o.graph = g

	now := time.Now().UTC()
	for _, def := range p.Stages {
		if _, err := o.stages.Load(def.ID); err == nil {
			continue
		}
		status := types.StatusQueued
		if len(def.Dependencies) > 0 {
			status = types.StatusWaitingForDeps
		}
		stage := &types.Stage{
			ID:            def.ID,
			Name:          def.Name,
			Description:   def.Description,
			PlanID:        p.ID,
			Dependencies:  def.Dependencies,
			ParallelGroup: def.ParallelGroup,
			Acceptance:    def.Acceptance,
			Files:         def.Files,
			StageType:     types.StageTypeStandard,
			Status:        status,
			MaxRetries:    o.cfg.MaxRetries,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := o.stages.Save(stage, ""); err != nil {
			return err
		}
	}
	return nil
}

// syncGraphFromStore re-reads every persisted stage and projects its status
// onto the execution graph, then recomputes readiness. This is how a
// resumed orchestrator (or one racing a hand-edited stage file) stays
// consistent with the authoritative on-disk state.
func (o *Orchestrator) syncGraphFromStore() ([]*types.Stage, error) {
	stages, err := o.stages.ListAll()
	if err != nil {
		return nil, err
	}
	for _, s := range stages {
		if err := o.graph.SyncStatus(s.ID, projectStatus(s)); err != nil {
			return nil, err
		}
	}
	return stages, nil
}

// projectStatus maps a persisted Stage's status onto the 5-state graph
// projection. Every StageStatus value gets an explicit case: statuses that
// are genuinely waiting on a human or agent action (NeedsHandoff,
// WaitingForInput, MergeConflict, MergeBlocked) project to NodeExecuting —
// "occupied, do not reschedule" — rather than falling through to
// NodePending, where recomputeReady would wrongly promote them back to
// Ready the moment their dependencies are satisfied.
func projectStatus(s *types.Stage) types.NodeStatus {
	switch s.Status {
	case types.StatusCompleted:
		if s.Merged {
			return types.NodeCompleted
		}
		return types.NodeExecuting
	case types.StatusSkipped:
		return types.NodeCompleted
	case types.StatusBlocked, types.StatusCompletedWithFailures:
		return types.NodeBlocked
	case types.StatusExecuting, types.StatusNeedsHandoff, types.StatusWaitingForInput,
		types.StatusMergeConflict, types.StatusMergeBlocked:
		return types.NodeExecuting
	case types.StatusQueued:
		return types.NodeReady
	case types.StatusWaitingForDeps:
		return types.NodePending
	default:
		return types.NodePending
	}
}

// selectNextBatch returns every ready stage id, ordered by topological
// position with a lexicographic tie-break. It does not cap the list; Run
// stops spawning from it once the semaphore has no free slot.
func (o *Orchestrator) selectNextBatch() []string {
	ready := o.graph.ReadyStages()
	order, err := o.graph.TopologicalSort()
	if err != nil {
		return nil
	}
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	sort.Slice(ready, func(i, j int) bool {
		if rank[ready[i]] != rank[ready[j]] {
			return rank[ready[i]] < rank[ready[j]]
		}
		return ready[i] < ready[j]
	})
	return ready
}

// Run drives the plan to completion, a stall, or (in manual mode) a single
// batch. It ticks on cfg.PollInterval, spawning ready stages, dispatching
// monitor events, and merging completed work, until one of its exit
// conditions is met:
//
//   - non-watch, non-manual: the graph is complete (every stage terminal)
//   - non-watch, non-manual: the graph has stalled — a stage is Blocked,
//     nothing is Executing, and nothing is Ready to spawn next
//   - watch mode: every stage has reached a terminal status, so there is
//     nothing left for further ticks to do even though watch would
//     otherwise run until ctx is cancelled
//   - manual mode: one batch has been spawned and its immediate events
//     drained; Run returns regardless of overall completion
func (o *Orchestrator) Run(ctx context.Context, watch bool, manual bool) (*types.CompletionSummary, error) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return o.summarize()
		case <-ticker.C:
			stages, err := o.syncGraphFromStore()
			if err != nil {
				return nil, err
			}

			for _, id := range o.selectNextBatch() {
				if !o.sem.TryAcquire(1) {
					break
				}
				if err := o.spawnStage(ctx, id); err != nil {
					o.log.Error().Err(err).Str("stage", id).Msg("failed to spawn stage")
					o.sem.Release(1)
					continue
				}
			}

			events, err := o.mon.Poll(ctx)
			if err != nil {
				return nil, err
			}
			for _, ev := range events {
				o.handleEvent(ctx, ev)
			}

			if manual {
				return o.summarize()
			}

			if !watch && o.graph.IsComplete() {
				return o.summarize()
			}
			if !watch && hasUnresolvedFailure(stages) && !anyExecuting(stages) && len(o.selectNextBatch()) == 0 {
				return o.summarize()
			}
			if watch && allTerminal(stages) {
				return o.summarize()
			}
		}
	}
}

// hasUnresolvedFailure reports whether any stage is sitting in Blocked,
// which the tracker only reaches once it has escalated past retry.
func hasUnresolvedFailure(stages []*types.Stage) bool {
	for _, s := range stages {
		if s.Status == types.StatusBlocked {
			return true
		}
	}
	return false
}

// anyExecuting reports whether any stage currently has a live session, in
// any of the statuses that represent one (including handoff/conflict states
// awaiting resolution).
func anyExecuting(stages []*types.Stage) bool {
	for _, s := range stages {
		switch s.Status {
		case types.StatusExecuting, types.StatusNeedsHandoff, types.StatusWaitingForInput,
			types.StatusMergeConflict, types.StatusMergeBlocked:
			return true
		}
	}
	return false
}

// allTerminal reports whether every stage has reached a status the
// orchestrator will never transition out of on its own.
func allTerminal(stages []*types.Stage) bool {
	for _, s := range stages {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// spawnStage resolves a stage's base branch, creates its worktree, mints a
// signal file, and spawns the agent session, persisting the resulting Stage
// and Session records.
func (o *Orchestrator) spawnStage(ctx context.Context, stageID string) error {
	stage, err := o.stages.Load(stageID)
	if err != nil {
		return err
	}
	if stage.Session != "" {
		return &types.SessionSpawnError{StageID: stageID, Reason: "stage already has an active session " + stage.Session}
	}

	if err := o.graph.MarkExecuting(stageID); err != nil {
		return err
	}

	depBranches := make([]string, 0, len(stage.Dependencies))
	for _, dep := range stage.Dependencies {
		depBranches = append(depBranches, types.StageBranch(dep))
	}

	base, mergedFrom, err := o.git.ResolveBase(ctx, stage, depBranches)
	var conflictErr *types.MergeConflictError
	if err != nil {
		if asMergeConflict(err, &conflictErr) {
			return o.spawnBaseConflictSession(ctx, stage, conflictErr)
		}
		return err
	}

	wt, err := o.git.CreateWorktree(ctx, stage.ID, base)
	if err != nil {
		return err
	}

	facts, err := o.facts.ForStage(stage.ID)
	if err != nil {
		return err
	}
	knowledgeSummary, err := o.know.Summarize()
	if err != nil {
		return err
	}

	sessionID := "session-" + stage.ID + "-" + fmt.Sprint(time.Now().UTC().UnixNano())
	sig := signal.Generate(signal.Input{
		SessionID:    sessionID,
		StageID:      stage.ID,
		Branch:       wt.Branch,
		WorktreePath: wt.Path,
		Assignment:   stage.Description,
		Acceptance:   stage.Acceptance,
		Knowledge:    signal.KnowledgeSummary{Sections: knowledgeSummary},
		Facts:        facts,
	})

	signalPath := filepath.Join(wt.Path, "SIGNAL.md")
	if err := writeFile(signalPath, sig.Bytes); err != nil {
		return err
	}

	session, err := o.backend.SpawnSession(ctx, terminal.SpawnRequest{
		SessionID:  sessionID,
		StageID:    stage.ID,
		WorkingDir: wt.Path,
		WorkDir:    o.workDir,
		SignalPath: signalPath,
	})
	if err != nil {
		return err
	}
	if err := o.sessions.RememberPID(session.ID, session.PID); err != nil {
		return err
	}
	if err := o.sessions.RememberStage(session.ID, stage.ID); err != nil {
		return err
	}
	o.mon.RememberPID(session.ID, session.PID)

	stage.Status = types.StatusExecuting
	stage.Session = session.ID
	stage.Worktree = wt.Path
	stage.ResolvedBase = base
	stage.BaseMergedFrom = mergedFrom
	stage.UpdatedAt = time.Now().UTC()
	return o.stages.Save(stage, "")
}

func (o *Orchestrator) spawnBaseConflictSession(ctx context.Context, stage *types.Stage, conflict *types.MergeConflictError) error {
	sessionID := "conflict-" + stage.ID + "-" + fmt.Sprint(time.Now().UTC().UnixNano())
	sig := signal.GenerateBaseConflict(sessionID, stage.ID, conflict.SourceBranches, conflict.ConflictFiles)

	signalPath := filepath.Join(o.workDir, "signals", sessionID+".md")
	if err := writeFile(signalPath, sig.Bytes); err != nil {
		return err
	}
	session, err := o.backend.SpawnMergeSession(ctx, terminal.SpawnRequest{
		SessionID:  sessionID,
		StageID:    stage.ID,
		WorkingDir: o.git.RepoRoot,
		WorkDir:    o.workDir,
		SignalPath: signalPath,
	})
	if err != nil {
		return err
	}
	if err := o.sessions.RememberStage(session.ID, stage.ID); err != nil {
		return err
	}

	stage.Status = types.StatusMergeConflict
	stage.MergeConflict = true
	stage.Session = session.ID
	stage.UpdatedAt = time.Now().UTC()
	return o.stages.Save(stage, "")
}

// spawnMergeConflictSession spawns a resolution session for a stage's own
// merge onto the target branch failing with conflicts, mirroring
// spawnBaseConflictSession's handling of a conflicting dependency base.
func (o *Orchestrator) spawnMergeConflictSession(ctx context.Context, stage *types.Stage, target string, conflict *types.MergeConflictError) error {
	sessionID := "conflict-" + stage.ID + "-" + fmt.Sprint(time.Now().UTC().UnixNano())
	rerun := "loom retry " + stage.ID
	sig := signal.GenerateMergeConflict(sessionID, stage.ID, target, conflict.ConflictFiles, rerun)

	signalPath := filepath.Join(o.workDir, "signals", sessionID+".md")
	if err := writeFile(signalPath, sig.Bytes); err != nil {
		return err
	}
	session, err := o.backend.SpawnMergeSession(ctx, terminal.SpawnRequest{
		SessionID:  sessionID,
		StageID:    stage.ID,
		WorkingDir: stage.Worktree,
		WorkDir:    o.workDir,
		SignalPath: signalPath,
	})
	if err != nil {
		return err
	}
	if err := o.sessions.RememberStage(session.ID, stage.ID); err != nil {
		return err
	}

	stage.Status = types.StatusMergeConflict
	stage.MergeConflict = true
	stage.Session = session.ID
	stage.UpdatedAt = time.Now().UTC()
	return o.stages.Save(stage, "")
}

// handleEvent dispatches one monitor observation to the appropriate
// response: classify-and-retry/escalate for crashes, handoff generation for
// context exhaustion, and merge-on-completion for accepted checkpoints.
func (o *Orchestrator) handleEvent(ctx context.Context, ev monitor.Event) {
	switch ev.Kind {
	case monitor.EventSessionCrashed, monitor.EventSessionHung:
		o.handleFailure(ctx, ev)
	case monitor.EventSessionNeedsHandoff:
		o.handleHandoff(ctx, ev)
	case monitor.EventCheckpointAccepted:
		o.handleCheckpoint(ctx, ev)
	}
}

func (o *Orchestrator) handleFailure(ctx context.Context, ev monitor.Event) {
	stage, err := o.stages.Load(ev.StageID)
	if err != nil {
		o.log.Error().Err(err).Str("stage", ev.StageID).Msg("load stage for failure handling")
		return
	}

	decision, err := o.tracker.Record(stage.ID, ev.CloseReason, ev.At, stage.MaxRetries)
	if err != nil {
		o.log.Error().Err(err).Str("stage", stage.ID).Msg("record failure")
		return
	}

	now := time.Now().UTC()
	stage.LastFailureAt = &now
	stage.FailureInfo = &types.FailureInfo{CloseReason: ev.CloseReason, Kind: string(decision.Kind), At: now}
	o.sem.Release(1)

	switch {
	case decision.Escalate:
		stage.Status = types.StatusBlocked
		_ = o.graph.MarkBlocked(stage.ID)
	case decision.ShouldRetry:
		stage.RetryCount++
		go o.scheduleRetry(stage.ID, decision.RetryAfter)
	}
	stage.UpdatedAt = now
	_ = o.stages.Save(stage, "")
}

// scheduleRetry re-queues a stage after its backoff window. Run as a
// detached goroutine since Run's tick loop must not block on a retry delay.
func (o *Orchestrator) scheduleRetry(stageID string, after time.Duration) {
	time.Sleep(after)
	stage, err := o.stages.Load(stageID)
	if err != nil {
		return
	}
	stage.Status = types.StatusQueued
	stage.Session = ""
	stage.UpdatedAt = time.Now().UTC()
	_ = o.stages.Save(stage, "")
}

func (o *Orchestrator) handleHandoff(ctx context.Context, ev monitor.Event) {
	stage, err := o.stages.Load(ev.StageID)
	if err != nil {
		return
	}

	path, err := failure.WriteHandoff(o.workDir, failure.HandoffInput{
		SessionID:      ev.SessionID,
		StageID:        stage.ID,
		Goals:          stage.Description,
		ContextPercent: 1.0,
		At:             ev.At,
	})
	if err != nil {
		o.log.Error().Err(err).Str("stage", stage.ID).Msg("write handoff")
		return
	}

	o.sem.Release(1)
	stage.Status = types.StatusNeedsHandoff
	stage.UpdatedAt = time.Now().UTC()
	_ = o.stages.Save(stage, "")
	o.log.Info().Str("stage", stage.ID).Str("handoff", path).Msg("session needs handoff")
}

// verifyCheckpoint runs a task's verification rules against the stage's
// worktree and the checkpoint's reported outputs, logging the outcome.
// Verification is soft per monitor.VerificationResult: a failing rule never
// blocks the merge below, it only surfaces in the log for a human to notice.
func (o *Orchestrator) verifyCheckpoint(stage *types.Stage, ev monitor.Event) {
	task, err := o.loadTaskDefinition(stage.ID, ev.Detail)
	if err != nil || task == nil {
		return
	}
	for _, rule := range task.Verification {
		result := monitor.RunVerification(context.Background(), rule, stage.Worktree, ev.Outputs)
		if !result.Passed {
			o.log.Warn().Str("stage", stage.ID).Str("task", task.ID).Str("rule", string(rule.Kind)).
				Str("detail", result.Message).Msg("checkpoint verification failed")
			continue
		}
		o.log.Debug().Str("stage", stage.ID).Str("task", task.ID).Str("rule", string(rule.Kind)).
			Msg("checkpoint verification passed")
	}
}

// loadTaskDefinition reads a stage's task-state mirror and returns the
// definition matching taskID, or nil if no mirror exists for the stage (not
// every stage ships per-task verification rules).
func (o *Orchestrator) loadTaskDefinition(stageID, taskID string) (*types.TaskDefinition, error) {
	data, err := os.ReadFile(filepath.Join(o.workDir, "task-state", stageID+".yaml"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ts types.TaskState
	if err := yaml.Unmarshal(data, &ts); err != nil {
		return nil, err
	}
	for i := range ts.Tasks {
		if ts.Tasks[i].ID == taskID {
			return &ts.Tasks[i], nil
		}
	}
	return nil, nil
}

func (o *Orchestrator) handleCheckpoint(ctx context.Context, ev monitor.Event) {
	stage, err := o.stages.Load(ev.StageID)
	if err != nil {
		o.log.Error().Err(err).Str("stage", ev.StageID).Msg("load stage for checkpoint")
		return
	}

	o.verifyCheckpoint(stage, ev)

	o.sem.Release(1)
	result, err := o.git.MergeStage(ctx, stage.ID, o.cfg.DefaultBaseBranch)
	var conflictErr *types.MergeConflictError
	if err != nil {
		if asMergeConflict(err, &conflictErr) {
			if err := o.spawnMergeConflictSession(ctx, stage, o.cfg.DefaultBaseBranch, conflictErr); err != nil {
				o.log.Error().Err(err).Str("stage", stage.ID).Msg("spawn merge conflict session")
			}
			return
		}
		o.log.Error().Err(err).Str("stage", stage.ID).Msg("merge stage")
		return
	}

	stage.Status = types.StatusCompleted
	stage.Merged = true
	stage.CompletedCommit = result.Commit
	now := time.Now().UTC()
	stage.CompletedAt = &now
	stage.UpdatedAt = now
	if err := o.stages.Save(stage, ""); err != nil {
		o.log.Error().Err(err).Str("stage", stage.ID).Msg("save completed stage")
		return
	}
	if _, err := o.graph.MarkCompleted(stage.ID); err != nil {
		o.log.Error().Err(err).Str("stage", stage.ID).Msg("mark completed in graph")
	}
	_ = o.tracker.Reset(stage.ID)
}

func (o *Orchestrator) summarize() (*types.CompletionSummary, error) {
	stages, err := o.stages.ListAll()
	if err != nil {
		return nil, err
	}
	summary := &types.CompletionSummary{}
	for _, s := range stages {
		row := types.StageSummary{
			ID:           s.ID,
			Status:       s.Status,
			Merged:       s.Merged,
			Dependencies: s.Dependencies,
			CloseReason:  s.CloseReason,
		}
		if s.CompletedAt != nil {
			row.Duration = s.CompletedAt.Sub(s.CreatedAt)
		}
		summary.Stages = append(summary.Stages, row)
		if s.Status == types.StatusCompleted {
			summary.SuccessCount++
		} else if s.Status.Terminal() {
			summary.FailureCount++
		}
	}
	return summary, nil
}

func asMergeConflict(err error, target **types.MergeConflictError) bool {
	me, ok := err.(*types.MergeConflictError)
	if ok {
		*target = me
	}
	return ok
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &types.FilesystemError{Op: "mkdir", Path: filepath.Dir(path), Underlying: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &types.FilesystemError{Op: "write", Path: path, Underlying: err}
	}
	return nil
}
