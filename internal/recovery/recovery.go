// Package recovery composes the health tracker and the applier into the
// startup self-healing routine: detect a crash from the previous process,
// and if a change was mid-flight when it died, reverse that change before
// anything else runs.
package recovery

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"metamorph/internal/applier"
	"metamorph/internal/health"
	"metamorph/internal/types"
)

// Result reports what CheckAndRecover found and did.
type Result struct {
	RecoveryNeeded    bool           `json:"recovery_needed"`
	CrashDetected     bool           `json:"crash_detected"`
	RollbackPerformed bool           `json:"rollback_performed"`
	ChangeID          types.ChangeID `json:"change_id,omitempty"`
	RollbackID        string         `json:"rollback_id,omitempty"`
	FileRestored      string         `json:"file_restored,omitempty"`
	Message           string         `json:"message"`
	Err               string         `json:"error,omitempty"`
}

// Failed reports whether recovery was needed but could not complete. This is
// the consistency-error case from the error taxonomy: it must be surfaced to
// an operator, never guessed at.
func (r Result) Failed() bool {
	return r.Err != ""
}

// Recovery runs once, synchronously, before the system serves new change
// requests.
type Recovery struct {
	mu      sync.Mutex
	tracker *health.Tracker
	applier *applier.Applier
	log     *zap.Logger
	ran     bool
	last    Result
}

// New constructs the recovery routine over the given tracker and applier.
func New(tracker *health.Tracker, app *applier.Applier, log *zap.Logger) *Recovery {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recovery{tracker: tracker, applier: app, log: log}
}

// CheckAndRecover inspects the previous process's health snapshot and rolls
// back the implicated change if one was mid-flight. It must run before the
// current process writes its own snapshot. Repeat calls within one process
// return the first result unchanged; the snapshot they would re-read was
// written by this process and no longer describes a crash.
func (r *Recovery) CheckAndRecover() Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ran {
		return r.last
	}
	r.last = r.run()
	r.ran = true
	return r.last
}

func (r *Recovery) run() Result {
	report := r.tracker.CheckPreviousCrash()

	if !report.Crashed {
		r.log.Info("startup health check clean", zap.String("detail", report.Message))
		return Result{Message: report.Message}
	}

	if !report.ShouldRollback {
		// Crash with no change mid-flight: report it, mutate nothing.
		r.log.Warn("previous session crashed with no change in flight",
			zap.String("detail", report.Message))
		return Result{
			CrashDetected: true,
			Message:       report.Message + "; no change was in flight, nothing to roll back",
		}
	}

	result := Result{
		RecoveryNeeded: true,
		CrashDetected:  true,
		ChangeID:       report.LastChangeID,
	}

	rec, found := r.applier.FindByChangeID(report.LastChangeID)
	if !found {
		// The health snapshot implicates a change the ledger has never heard
		// of. Guessing here would risk masking real data loss.
		result.Err = fmt.Sprintf(
			"crash implicates change %s but the applied-changes ledger has no un-rolled-back entry for it",
			report.LastChangeID)
		result.Message = "recovery failed: ledger inconsistent with health snapshot"
		r.log.Error("cannot auto-recover: ledger inconsistent",
			zap.String("change_id", string(report.LastChangeID)))
		return result
	}

	result.RollbackID = rec.RollbackID
	rb := r.applier.Rollback(rec.RollbackID)
	if !rb.Success {
		result.Err = rb.Message
		result.Message = fmt.Sprintf("crash recovery rollback of change %s failed", report.LastChangeID)
		r.log.Error("crash recovery rollback failed",
			zap.String("change_id", string(report.LastChangeID)),
			zap.String("rollback_id", rec.RollbackID),
			zap.String("detail", rb.Message))
		return result
	}

	result.RollbackPerformed = true
	result.FileRestored = rb.FileRestored
	result.Message = fmt.Sprintf(
		"recovered from crash: rolled back change %s (rollback %s), restored %s",
		report.LastChangeID, rec.RollbackID, rb.FileRestored)
	r.log.Info("crash recovery complete",
		zap.String("change_id", string(report.LastChangeID)),
		zap.String("rollback_id", rec.RollbackID),
		zap.String("file", rb.FileRestored))
	return result
}
