/*
Package log provides structured logging for loom using zerolog.

It wraps zerolog with component-scoped child loggers (plan, stage, session)
and a small Config/Init surface so the daemon, CLI, and every pkg can share
one global Logger without threading it through constructors.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	log.Info("orchestrator starting")

	stageLog := log.WithStageID("implement-auth")
	stageLog.Info().Str("session_id", sessionID).Msg("session spawned")

Fatal exits the process (os.Exit via zerolog) and should only be used for
unrecoverable startup errors, never from within the run loop.
*/
package log
