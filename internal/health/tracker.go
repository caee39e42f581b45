// Package health records process lifecycle in a single JSON snapshot so the
// next startup can tell whether the previous run ended cleanly. It is a
// narrow recorder: starting -> running -> shutdown, plus a marker for the
// last applied change. Anything other than shutdown on disk at boot means
// the prior process crashed.
package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"metamorph/internal/types"
)

// Status is the process lifecycle state recorded in the snapshot.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusShutdown Status = "shutdown"
)

// Snapshot is the single on-disk health record. Exactly one file exists per
// deployment; every mutation overwrites it whole. Its lifecycle spans one
// process lifetime.
type Snapshot struct {
	Timestamp           time.Time      `json:"timestamp"`
	Status              Status         `json:"status"`
	LastChangeID        types.ChangeID `json:"last_change_id,omitempty"`
	LastChangeAppliedAt *time.Time     `json:"last_change_applied_at,omitempty"`
	UptimeSeconds       float64        `json:"uptime_seconds"`
	TotalChangesApplied int            `json:"total_changes_applied"`
}

// CrashReport is the result of inspecting the previous process's snapshot.
type CrashReport struct {
	Crashed        bool           `json:"crashed"`
	FirstRun       bool           `json:"first_run"`
	LastChangeID   types.ChangeID `json:"last_change_id,omitempty"`
	ShouldRollback bool           `json:"should_rollback"`
	Message        string         `json:"message"`
}

// Tracker owns the health snapshot file. All writes flush to stable storage
// before returning, because the snapshot is what makes a crash
// distinguishable from a clean exit.
type Tracker struct {
	mu        sync.Mutex
	path      string
	startedAt time.Time
	snap      Snapshot
	log       *zap.Logger
}

// NewTracker constructs a tracker backed by the snapshot file at path. It
// does not touch the file; call CheckPreviousCrash before RecordStartup so
// the previous process's snapshot is still readable.
func NewTracker(path string, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{path: path, log: log}
}

// CheckPreviousCrash reads the snapshot left by the previous process
// instance. Status starting or running means the prior process never
// reached RecordShutdown, so it crashed; a rollback is warranted only if a
// change was recorded as applied during that run. A missing file is the
// first run ever, not a crash.
func (t *Tracker) CheckPreviousCrash() CrashReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CrashReport{FirstRun: true, Message: "no health snapshot found; first run"}
		}
		// Unreadable snapshot: treat as a crash with no implicated change,
		// since there is nothing to resolve a rollback against.
		return CrashReport{
			Crashed: true,
			Message: fmt.Sprintf("health snapshot unreadable (%v); treating previous run as crashed", err),
		}
	}

	var prev Snapshot
	if err := json.Unmarshal(data, &prev); err != nil {
		return CrashReport{
			Crashed: true,
			Message: fmt.Sprintf("health snapshot corrupt (%v); treating previous run as crashed", err),
		}
	}

	switch prev.Status {
	case StatusShutdown:
		return CrashReport{Message: "previous session ended cleanly"}
	case StatusStarting, StatusRunning:
		rep := CrashReport{
			Crashed:      true,
			LastChangeID: prev.LastChangeID,
			Message: fmt.Sprintf("previous session crashed in state %q at %s",
				prev.Status, prev.Timestamp.Format(time.RFC3339)),
		}
		rep.ShouldRollback = prev.LastChangeID != ""
		return rep
	default:
		return CrashReport{
			Crashed: true,
			Message: fmt.Sprintf("health snapshot has unknown status %q; treating previous run as crashed", prev.Status),
		}
	}
}

// RecordStartup begins this process's snapshot lifecycle in starting state.
func (t *Tracker) RecordStartup() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startedAt = time.Now()
	t.snap = Snapshot{Status: StatusStarting}
	return t.write()
}

// RecordRunning marks initialization complete. From this point on, a crash
// is distinguishable from a failed boot.
func (t *Tracker) RecordRunning() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.Status = StatusRunning
	return t.write()
}

// RecordChangeApplied marks changeID as the in-flight applied change. The
// caller must invoke this in the same logical step as the file write: the
// applier's success is not reported upstream until this flush completes.
func (t *Tracker) RecordChangeApplied(changeID types.ChangeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	t.snap.LastChangeID = changeID
	t.snap.LastChangeAppliedAt = &now
	t.snap.TotalChangesApplied++
	return t.write()
}

// RecordShutdown marks a clean exit. This is the only path that prevents
// the next startup from treating this run as a crash, so every graceful
// termination route must reach it.
func (t *Tracker) RecordShutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.Status = StatusShutdown
	return t.write()
}

// Current returns a copy of the live snapshot.
func (t *Tracker) Current() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.snap
	if !t.startedAt.IsZero() {
		snap.UptimeSeconds = time.Since(t.startedAt).Seconds()
	}
	return snap
}

// write persists the snapshot and syncs it to stable storage. Caller holds
// t.mu.
func (t *Tracker) write() error {
	t.snap.Timestamp = time.Now().UTC()
	if !t.startedAt.IsZero() {
		t.snap.UptimeSeconds = time.Since(t.startedAt).Seconds()
	}

	data, err := json.MarshalIndent(t.snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
