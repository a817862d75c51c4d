// Package signal assembles the markdown signal file a spawned agent is
// instructed to read. Content is split into four zones, emitted in a fixed
// order chosen to maximise prefix-cache reuse across sessions: stable
// prefix, semi-stable knowledge/facts, dynamic assignment, and recitation
// (tasks/memory, which changes most often and so goes last).
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cosmix/loom/pkg/types"
)

// KnowledgeSummary is a compact, section-bulleted extract handed to the
// generator by pkg/knowledge.
type KnowledgeSummary struct {
	Sections map[string][]string // section name -> bullets, already capped
}

// Input is everything the generator needs to assemble one signal.
type Input struct {
	SessionID    string
	StageID      string
	Branch       string
	WorktreePath string
	Assignment   string
	Acceptance   []string
	Knowledge    KnowledgeSummary
	Facts        []types.Fact
	Tasks        []string
	Memory       []types.MemoryEntry
}

// Signal is a generated signal file plus the size/hash metrics reported
// alongside every generation.
type Signal struct {
	Bytes              []byte
	StablePrefixBytes  int
	SemiStableBytes    int
	DynamicBytes       int
	RecitationBytes    int
	StablePrefixHash   string
	EstimatedTokens    int
}

// SignalSizeBytes returns the total size, which must equal the sum of the
// four zone sizes.
func (s *Signal) SignalSizeBytes() int {
	return s.StablePrefixBytes + s.SemiStableBytes + s.DynamicBytes + s.RecitationBytes
}

const knowledgeBulletsPerSection = 5

// Generate assembles a standard stage signal.
func Generate(in Input) *Signal {
	stable := stablePrefix(in.SessionID, in.WorktreePath)
	semi := semiStable(in.Knowledge, in.Facts, in.StageID)
	dynamic := dynamicSection(in)
	recitation := recitationSection(in.Tasks, in.Memory)

	return assemble(stable, semi, dynamic, recitation)
}

// GenerateBaseConflict produces the variant signal for a synthetic-base
// merge conflict: it instructs work in the main repository rather than a
// worktree, and names the conflicting source branches and files.
func GenerateBaseConflict(sessionID, stageID string, sourceBranches, conflictFiles []string) *Signal {
	stable := stablePrefixNoWorktree(sessionID)
	semi := "## Knowledge Management\n\n(no knowledge summary for conflict resolution sessions)\n\n"
	dynamic := fmt.Sprintf(
		"## Target\n\nstage=%s session=%s\n\nResolve the base-branch conflict produced while merging %s into a synthetic base for this stage.\n\nConflicting files:\n%s\n\n",
		stageID, sessionID, strings.Join(sourceBranches, ", "), bulletList(conflictFiles),
	)
	recitation := "## Immediate Tasks\n\n- Resolve every conflicting file\n- Commit the resolution\n- Notify the orchestrator by completing the merge commit\n\n## Session Memory\n\n(none)\n"
	return assemble(stable, semi, dynamic, recitation)
}

// GenerateMergeConflict produces the variant signal for a stage's own merge
// onto the target branch failing with conflicts.
func GenerateMergeConflict(sessionID, stageID, targetBranch string, conflictFiles []string, rerunCommand string) *Signal {
	stable := stablePrefixNoWorktree(sessionID)
	semi := "## Knowledge Management\n\n(no knowledge summary for conflict resolution sessions)\n\n"
	dynamic := fmt.Sprintf(
		"## Target\n\nstage=%s session=%s target=%s\n\nResolve the merge conflict between loom/%s and %s.\n\nConflicting files:\n%s\n\n",
		stageID, sessionID, targetBranch, stageID, targetBranch, bulletList(conflictFiles),
	)
	recitation := fmt.Sprintf("## Immediate Tasks\n\n- Resolve every conflicting file\n- Commit the resolution\n- Rerun: %s\n\n## Session Memory\n\n(none)\n", rerunCommand)
	return assemble(stable, semi, dynamic, recitation)
}

func assemble(stable, semi, dynamic, recitation string) *Signal {
	all := stable + semi + dynamic + recitation
	hash := sha256.Sum256([]byte(stable))

	return &Signal{
		Bytes:             []byte(all),
		StablePrefixBytes: len(stable),
		SemiStableBytes:   len(semi),
		DynamicBytes:      len(dynamic),
		RecitationBytes:   len(recitation),
		StablePrefixHash:  hex.EncodeToString(hash[:])[:16],
		EstimatedTokens:   len(all) / 4,
	}
}

func stablePrefix(sessionID, worktreePath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Signal: %s\n\n", sessionID)
	b.WriteString("## Worktree Context\n\n")
	fmt.Fprintf(&b, "You are working in an isolated git worktree at %s.\n", worktreePath)
	b.WriteString("This worktree is exclusively yours; no other session will write to it.\n\n")
	b.WriteString("## Execution Rules\n\n")
	b.WriteString("- Commit your work to the current branch; do not switch branches.\n")
	b.WriteString("- Do not modify files outside this worktree.\n")
	b.WriteString("- Report progress through checkpoint files as instructed by your tooling.\n\n")
	return b.String()
}

func stablePrefixNoWorktree(sessionID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Signal: %s\n\n", sessionID)
	b.WriteString("## Worktree Context\n\n")
	b.WriteString("You are working directly in the main repository, not an isolated worktree.\n\n")
	b.WriteString("## Execution Rules\n\n")
	b.WriteString("- Do not push or force-reset shared branches.\n")
	b.WriteString("- Commit your resolution once every conflict is addressed.\n\n")
	return b.String()
}

func semiStable(ks KnowledgeSummary, facts []types.Fact, stageID string) string {
	var b strings.Builder
	b.WriteString("## Knowledge Management\n\n")
	for _, section := range sortedKeys(ks.Sections) {
		bullets := ks.Sections[section]
		if len(bullets) > knowledgeBulletsPerSection {
			bullets = bullets[:knowledgeBulletsPerSection]
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n", section, bulletList(bullets))
	}

	if len(facts) > 0 {
		b.WriteString("### Facts\n\n")
		for _, f := range facts {
			if f.StageID == stageID || f.Confidence == types.ConfidenceHigh {
				fmt.Fprintf(&b, "- [%s, confidence=%s] %s\n", f.StageID, f.Confidence, f.Value)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func dynamicSection(in Input) string {
	var b strings.Builder
	b.WriteString("## Target\n\n")
	fmt.Fprintf(&b, "session=%s stage=%s branch=%s worktree=%s\n\n", in.SessionID, in.StageID, in.Branch, in.WorktreePath)
	b.WriteString("### Assignment\n\n")
	b.WriteString(in.Assignment)
	b.WriteString("\n\n### Acceptance Criteria\n\n")
	b.WriteString(bulletList(in.Acceptance))
	b.WriteString("\n")
	return b.String()
}

func recitationSection(tasks []string, memory []types.MemoryEntry) string {
	var b strings.Builder
	b.WriteString("## Immediate Tasks\n\n")
	b.WriteString(bulletList(tasks))
	b.WriteString("\n## Session Memory\n\n")
	if len(memory) == 0 {
		b.WriteString("(none)\n")
	} else {
		for _, m := range memory {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Kind, m.Content)
		}
	}
	return b.String()
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it)
	}
	return b.String()
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
