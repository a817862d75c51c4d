// Package types defines the data model shared across loom: plans, stages,
// sessions, worktrees, and the typed error taxonomy returned by other
// packages. Nothing here performs I/O; it is pure data plus small invariant
// helpers (state transition checks, enum validity).
package types
