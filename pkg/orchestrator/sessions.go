package orchestrator

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"github.com/cosmix/loom/pkg/types"
)

// sessionsBucket holds the last-known PID for every session the
// orchestrator has spawned. It survives an orchestrator restart, resolving
// the race where a fresh process has a stale heartbeat on disk but no
// in-memory record of which PID to check for liveness.
var sessionsBucket = []byte("sessions")

// stagesBucket holds the stage ID a session was spawned for, so a
// session-keyed checkpoint file can be attributed back to its stage. See
// SessionDB.StageForSession.
var stagesBucket = []byte("stages")

// SessionDB is a derived cache beside the authoritative stage files. Stage
// files record a stage's session id but no PID, and nothing rebuilds this
// database from them: a restart without it has no PID to check.
type SessionDB struct {
	db *bolt.DB
}

// OpenSessionDB opens (creating if absent) the bbolt database at
// <work>/sessions.db.
func OpenSessionDB(path string) (*SessionDB, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, &types.FilesystemError{Op: "open", Path: path, Underlying: err}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(stagesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SessionDB{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *SessionDB) Close() error {
	return s.db.Close()
}

// RememberPID records the last PID known for a session.
func (s *SessionDB) RememberPID(sessionID string, pid int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(pid))
		return b.Put([]byte(sessionID), buf)
	})
}

// PID returns the last known PID for a session, or 0 if none is recorded.
func (s *SessionDB) PID(sessionID string) (int, error) {
	var pid int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		v := b.Get([]byte(sessionID))
		if v == nil {
			return nil
		}
		pid = int(binary.BigEndian.Uint64(v))
		return nil
	})
	return pid, err
}

// Forget removes a session's PID and stage records once it terminates
// cleanly.
func (s *SessionDB) Forget(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Delete([]byte(sessionID)); err != nil {
			return err
		}
		return tx.Bucket(stagesBucket).Delete([]byte(sessionID))
	})
}

// RememberStage records the stage a session was spawned for, so a later
// checkpoint event (keyed by session, not stage) can be attributed back to
// it. Implements monitor.StageResolver via StageForSession.
func (s *SessionDB) RememberStage(sessionID, stageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stagesBucket).Put([]byte(sessionID), []byte(stageID))
	})
}

// StageForSession returns the stage ID a session was spawned for, or ""
// if none is recorded.
func (s *SessionDB) StageForSession(sessionID string) (string, error) {
	var stageID string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(stagesBucket).Get([]byte(sessionID))
		if v != nil {
			stageID = string(v)
		}
		return nil
	})
	return stageID, err
}
