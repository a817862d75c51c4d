// Package failure turns a session's raw close reason into a classified
// failure kind, decides whether that failure is worth retrying, and tracks
// per-stage retry/escalation state and context-exhaustion handoffs.
package failure

import "strings"

// Kind is the classification assigned to a session's closing condition.
type Kind string

const (
	KindCrash              Kind = "crash"
	KindContextExhausted   Kind = "context_exhausted"
	KindBuildFailure       Kind = "build_failure"
	KindTestFailure        Kind = "test_failure"
	KindLintFailure        Kind = "lint_failure"
	KindTimeout            Kind = "timeout"
	KindManuallyBlocked    Kind = "manually_blocked"
	KindMergeConflict      Kind = "merge_conflict"
	KindUnknown            Kind = "unknown"
)

// classifier rule: first matching substring set wins. Order here IS the
// precedence table — it resolves the ambiguity where a close reason
// mentions both a test name and the word "build" (e.g. "build failed
// because TestFoo assertion mismatched"): crash/orphan signals outrank
// everything since a dead process can't be trusted to describe its own
// failure; context exhaustion outranks build/test because it explains why
// a build or test never got a chance to run; build outranks test because a
// failed build typically means tests never executed; lint/type outrank
// timeout because those are reported before the process is killed;
// manual-block and merge-conflict are checked last since they are the
// orchestrator's own doing, not the agent's.
var precedence = []struct {
	kind     Kind
	keywords []string
}{
	{KindCrash, []string{"crash", "orphan", "killed", "sigsegv", "panic"}},
	{KindContextExhausted, []string{"context", "token limit", "handoff"}},
	{KindBuildFailure, []string{"build failed", "compilation", "rustc", "tsc error", "build error"}},
	{KindTestFailure, []string{"test failed", "assertion", "tests failed"}},
	{KindLintFailure, []string{"lint", "type error", "syntax error"}},
	{KindTimeout, []string{"timeout", "timed out"}},
	{KindManuallyBlocked, []string{"blocked by user", "manually blocked"}},
	{KindMergeConflict, []string{"conflict", "merge failed"}},
}

// Classify maps a free-text close reason to a Kind using case-insensitive
// substring matching in precedence order.
func Classify(closeReason string) Kind {
	lower := strings.ToLower(closeReason)
	for _, rule := range precedence {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}

// Retryable reports whether a failure of this kind should be retried
// automatically rather than escalated or handed off. Only crashes and
// timeouts are transient enough to be worth an automatic retry; every other
// kind reflects something an agent or a human needs to address.
func Retryable(k Kind) bool {
	switch k {
	case KindCrash, KindTimeout:
		return true
	default:
		return false
	}
}
