// loom-attach is a thin exec-replacing helper for jumping into a running
// stage's tmux window without going through the orchestrator process. It
// reads the stage record to find the associated session ID, then execs
// tmux directly so the caller's terminal is replaced in place (the same way
// `tmux attach` would be invoked by hand).
package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/cosmix/loom/pkg/config"
	"github.com/cosmix/loom/pkg/stagestore"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: loom-attach <stage-id> [--work-dir DIR] [--tmux-socket NAME]")
		os.Exit(2)
	}
	stageID := os.Args[1]

	workDir := ".loom"
	tmuxSocket := ""
	for i := 2; i < len(os.Args)-1; i++ {
		switch os.Args[i] {
		case "--work-dir":
			workDir = os.Args[i+1]
		case "--tmux-socket":
			tmuxSocket = os.Args[i+1]
		}
	}

	cfg, err := config.Load(config.WorkDirConfigPath(workDir))
	if err != nil {
		fail("load config: %v", err)
	}
	if cfg.Backend != "tmux" {
		fail("stage %s is running under the %q backend, which has no terminal to attach to", stageID, cfg.Backend)
	}

	store, err := stagestore.New(workDir)
	if err != nil {
		fail("open stage store: %v", err)
	}
	stage, err := store.Load(stageID)
	if err != nil {
		fail("load stage %s: %v", stageID, err)
	}
	if stage.Session == "" {
		fail("stage %s has no active session", stageID)
	}

	window := "loom-" + stage.Session

	tmuxPath, err := exec.LookPath("tmux")
	if err != nil {
		fail("tmux not found on PATH: %v", err)
	}

	args := []string{"tmux"}
	if tmuxSocket != "" {
		args = append(args, "-L", tmuxSocket)
	}
	// new-window places windows on the server's most-recently-used session,
	// not a session named after the stage, so attach then hop windows.
	args = append(args, "attach-session", ";", "select-window", "-t", window)

	if err := syscall.Exec(tmuxPath, args, os.Environ()); err != nil {
		fail("exec tmux: %v", err)
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
