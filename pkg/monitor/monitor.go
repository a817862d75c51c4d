// Package monitor watches the filesystem surface an agent session writes to
// — heartbeats, checkpoints, and the hook event log — and turns what it
// observes into Events the orchestrator's event handler dispatches on.
package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/cosmix/loom/pkg/log"
	"github.com/cosmix/loom/pkg/types"
)

// StageResolver maps a session ID to the stage it was spawned for.
// Checkpoint files are written under <work>/checkpoints/<session>/, keyed
// by session rather than stage, so the monitor needs this to attribute a
// checkpoint event back to the stage whose completion it represents.
type StageResolver interface {
	StageForSession(sessionID string) (string, error)
}

// Monitor polls the orchestrator's work directory on each tick and emits a
// bounded batch of Events. An fsnotify watcher is layered on top of the
// polling loop, but each tick only drains and discards its pending events —
// file activity does not wake a tick early — and the poll tick itself is
// always authoritative, so a watcher setup failure is non-fatal.
type Monitor struct {
	WorkDir            string
	HeartbeatFreshness time.Duration
	Resolver           StageResolver

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	seenSession map[string]int // PIDs recorded in this process; pollHeartbeats falls back to the Resolver's persisted PIDs
	hookLogPos  int64
	checkpointsSeen map[string]bool
}

// New returns a Monitor rooted at workDir. It best-effort starts an fsnotify
// watcher on the heartbeat and checkpoints directories. resolver may be nil,
// in which case checkpoint events cannot be attributed to a stage and are
// dropped with a warning (see pollCheckpoints).
func New(workDir string, heartbeatFreshness time.Duration, resolver StageResolver) *Monitor {
	m := &Monitor{
		WorkDir:            workDir,
		HeartbeatFreshness: heartbeatFreshness,
		Resolver:           resolver,
		seenSession:        make(map[string]int),
		checkpointsSeen:    make(map[string]bool),
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Errorf("fsnotify watcher unavailable, falling back to poll-only monitoring", err)
		return m
	}
	for _, dir := range []string{"heartbeat", "checkpoints"} {
		full := filepath.Join(workDir, dir)
		_ = os.MkdirAll(full, 0o755)
		if err := w.Add(full); err != nil {
			log.Errorf("watch "+full, err)
		}
	}
	m.watcher = w
	return m
}

// Close releases the fsnotify watcher, if one was started.
func (m *Monitor) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// RememberPID records the PID the orchestrator last associated with a
// session in this process. After a restart this map is empty and
// pollHeartbeats asks the Resolver for the persisted PID instead (when the
// Resolver provides one), so a stale-but-alive session is not misclassified
// as Crashed.
func (m *Monitor) RememberPID(sessionID string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seenSession[sessionID] = pid
}

// drainWatcherEvents non-blockingly drains any pending fsnotify events so
// they cannot accumulate unbounded between ticks; the poll tick itself does
// the real work regardless of what is drained here.
func (m *Monitor) drainWatcherEvents() {
	if m.watcher == nil {
		return
	}
	for {
		select {
		case <-m.watcher.Events:
		case <-m.watcher.Errors:
		default:
			return
		}
	}
}

// Poll runs one monitoring tick and returns the events observed.
func (m *Monitor) Poll(ctx context.Context) ([]Event, error) {
	m.drainWatcherEvents()

	var events []Event
	events = append(events, m.pollHeartbeats()...)
	events = append(events, m.pollCheckpoints()...)
	events = append(events, m.pollHookLog()...)
	return events, nil
}

// ClassifyHeartbeat classifies a session's liveness from its heartbeat file
// (if any) and PID liveness. Stale-but-PID-alive is Hung; PID confirmed dead
// is Crashed; no heartbeat file at all is NoHeartbeat.
func (m *Monitor) ClassifyHeartbeat(hb *types.Heartbeat, pid int, now time.Time) HeartbeatClass {
	if hb == nil {
		return HeartbeatNoHeartbeat
	}
	fresh := now.Sub(hb.Timestamp) < m.HeartbeatFreshness
	alive := pid > 0 && isPIDAlive(pid)

	if fresh {
		return HeartbeatHealthy
	}
	if alive {
		return HeartbeatHung
	}
	return HeartbeatCrashed
}

func isPIDAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (m *Monitor) pollHeartbeats() []Event {
	dir := filepath.Join(m.WorkDir, "heartbeat")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var events []Event
	now := time.Now().UTC()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		stageID := strings.TrimSuffix(e.Name(), ".json")
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var hb types.Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			continue
		}

		m.mu.Lock()
		pid := m.seenSession[hb.SessionID]
		m.mu.Unlock()
		if pid == 0 {
			if pr, ok := m.Resolver.(interface{ PID(string) (int, error) }); ok {
				pid, _ = pr.PID(hb.SessionID)
			}
		}

		switch m.ClassifyHeartbeat(&hb, pid, now) {
		case HeartbeatHung:
			events = append(events, Event{Kind: EventSessionHung, StageID: stageID, SessionID: hb.SessionID, At: now})
		case HeartbeatCrashed:
			events = append(events, Event{Kind: EventSessionCrashed, StageID: stageID, SessionID: hb.SessionID, CloseReason: "orphaned session", At: now})
		}
	}
	return events
}

func (m *Monitor) pollCheckpoints() []Event {
	dir := filepath.Join(m.WorkDir, "checkpoints")
	sessions, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var events []Event
	for _, sess := range sessions {
		if !sess.IsDir() {
			continue
		}
		sessDir := filepath.Join(dir, sess.Name())
		tasks, err := os.ReadDir(sessDir)
		if err != nil {
			continue
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name() < tasks[j].Name() })
		for _, task := range tasks {
			if task.IsDir() || !strings.HasSuffix(task.Name(), ".yaml") {
				continue
			}
			key := sess.Name() + "/" + task.Name()

			m.mu.Lock()
			seen := m.checkpointsSeen[key]
			m.mu.Unlock()
			if seen {
				continue
			}

			if m.Resolver == nil {
				log.Errorf("checkpoint "+key, fmt.Errorf("no stage resolver configured, dropping checkpoint event"))
				continue
			}
			stageID, err := m.Resolver.StageForSession(sess.Name())
			if err != nil || stageID == "" {
				// The session→stage mapping is recorded synchronously at
				// spawn time, before a session can plausibly write a
				// checkpoint; leave unseen so a transient miss is retried
				// on the next tick instead of being silently dropped.
				log.Errorf("resolve stage for session "+sess.Name(), err)
				continue
			}

			data, err := os.ReadFile(filepath.Join(sessDir, task.Name()))
			if err != nil {
				continue
			}
			var cp types.Checkpoint
			if err := yaml.Unmarshal(data, &cp); err != nil {
				continue
			}

			m.mu.Lock()
			m.checkpointsSeen[key] = true
			m.mu.Unlock()

			events = append(events, Event{
				Kind:      EventCheckpointAccepted,
				StageID:   stageID,
				SessionID: sess.Name(),
				Detail:    cp.TaskID,
				Outputs:   cp.Outputs,
				At:        time.Now().UTC(),
			})
		}
	}
	return events
}

// hookEvent is one JSON-lines record from the agent hook log.
type hookEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	StageID   string `json:"stage_id"`
	Reason    string `json:"reason,omitempty"`
}

func (m *Monitor) pollHookLog() []Event {
	path := filepath.Join(m.WorkDir, "hooks.log")
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	m.mu.Lock()
	pos := m.hookLogPos
	m.mu.Unlock()

	if _, err := f.Seek(pos, 0); err != nil {
		return nil
	}

	var events []Event
	scanner := bufio.NewScanner(f)
	var newPos int64 = pos
	for scanner.Scan() {
		line := scanner.Text()
		newPos += int64(len(line)) + 1

		var he hookEvent
		if err := json.Unmarshal([]byte(line), &he); err != nil {
			continue
		}
		if he.Type == "session-stop" || he.Type == "session-end" {
			kind := EventSessionCrashed
			if strings.Contains(strings.ToLower(he.Reason), "context") {
				kind = EventSessionNeedsHandoff
			}
			events = append(events, Event{
				Kind:        kind,
				StageID:     he.StageID,
				SessionID:   he.SessionID,
				CloseReason: he.Reason,
				At:          time.Now().UTC(),
			})
		}
	}

	m.mu.Lock()
	m.hookLogPos = newPos
	m.mu.Unlock()
	return events
}
