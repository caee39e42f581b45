// Package selfmod wires the approval queue, the applier, the health tracker
// and the recovery routine into one coordinator. The coordinator owns the
// ordering guarantees the individual components cannot see: recovery before
// anything else, apply -> health record -> queue audit as one critical
// section, and at most one approved change in flight at a time.
package selfmod

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"metamorph/internal/applier"
	"metamorph/internal/approval"
	"metamorph/internal/config"
	"metamorph/internal/health"
	"metamorph/internal/recovery"
	"metamorph/internal/store"
	"metamorph/internal/types"
)

// ErrChangeInFlight is returned when a second change would enter the
// approved-but-not-applied window. The recovery model assumes a single
// implicated change per crash, so the window admits one occupant.
var ErrChangeInFlight = errors.New("another approved change is awaiting application")

const (
	actorHuman  = "human"
	actorPolicy = "policy"
	actorSystem = "system"
)

// Coordinator is constructed once at startup and passed to request handlers.
type Coordinator struct {
	mu  sync.Mutex
	cfg *config.Config
	log *zap.Logger

	queue    *approval.Queue
	applier  *applier.Applier
	tracker  *health.Tracker
	recovery *recovery.Recovery
	audit    *store.AuditStore // nil-safe, optional

	booted   bool
	degraded bool
}

// New builds the full component graph from configuration. The audit store
// is best-effort: if it cannot open, the coordinator runs without it.
func New(cfg *config.Config, log *zap.Logger) (*Coordinator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	queue, err := approval.NewQueue(cfg.QueuePath(), log)
	if err != nil {
		return nil, err
	}
	app, err := applier.New(cfg.ProjectRoot, cfg.StateDir, log)
	if err != nil {
		return nil, err
	}
	tracker := health.NewTracker(cfg.HealthPath(), log)

	audit, err := store.Open(cfg.AuditPath())
	if err != nil {
		log.Warn("audit store unavailable; continuing without transition audit", zap.Error(err))
		audit = nil
	}

	return &Coordinator{
		cfg:      cfg,
		log:      log,
		queue:    queue,
		applier:  app,
		tracker:  tracker,
		recovery: recovery.New(tracker, app, log),
		audit:    audit,
	}, nil
}

// Boot runs the startup sequence: crash check and recovery against the
// previous process's snapshot, then this process's own snapshot lifecycle.
// It must complete before any change request is served.
func (c *Coordinator) Boot() (recovery.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.booted {
		return recovery.Result{Message: "already booted"}, nil
	}

	// Recovery reads the previous snapshot, so it runs before RecordStartup
	// overwrites the file.
	result := c.recovery.CheckAndRecover()

	if result.RollbackPerformed {
		// Close the audit trail on the queue side. The queue record may
		// legitimately be missing the applied mark if the crash hit between
		// the health flush and MarkApplied; that is the documented window.
		if ch, ok := c.queue.Get(result.ChangeID); ok && ch.Status == approval.StatusApplied {
			if err := c.queue.MarkRolledBack(result.ChangeID); err != nil {
				c.log.Warn("could not mark recovered change as rolled back", zap.Error(err))
			} else {
				c.recordAudit(result.ChangeID, approval.StatusApplied, approval.StatusRolledBack,
					actorSystem, "crash recovery rollback")
			}
		}
	}
	if result.Failed() {
		// Consistency error: surfaced loudly, startup continues degraded.
		c.degraded = true
	}

	if err := c.tracker.RecordStartup(); err != nil {
		return result, fmt.Errorf("record startup: %w", err)
	}
	if err := c.tracker.RecordRunning(); err != nil {
		return result, fmt.Errorf("record running: %w", err)
	}

	c.booted = true
	return result, nil
}

// Degraded reports whether boot-time recovery hit a consistency error.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Submit stores a candidate as pending and applies the configured policy:
// invalid candidates may be auto-rejected, low-risk high-score ones
// auto-approved. Everything else waits for a human.
func (c *Coordinator) Submit(gen types.GeneratedCode, val types.ValidationResult) (approval.ChangeRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.queue.Add(gen, val)
	if err != nil {
		return ch, err
	}
	c.recordAudit(ch.ID, "", approval.StatusPending, actorSystem, "submitted")

	pol := c.cfg.Policy
	switch {
	case pol.AutoRejectInvalid && !val.Valid:
		reason := "validator marked change invalid"
		if err := c.queue.Reject(ch.ID, reason); err == nil {
			c.recordAudit(ch.ID, approval.StatusPending, approval.StatusRejected, actorPolicy, reason)
		}
	case pol.AutoApprove && val.Valid &&
		types.RiskRank(gen.RiskLevel) <= types.RiskRank(pol.AutoApproveMaxRisk) &&
		val.Score >= pol.AutoApproveMinScore:
		if c.inFlightID() != "" {
			break // policy never queues a second in-flight change
		}
		if err := c.queue.Approve(ch.ID, "auto-approved by policy"); err == nil {
			c.recordAudit(ch.ID, approval.StatusPending, approval.StatusApproved, actorPolicy,
				fmt.Sprintf("risk=%s score=%.2f", gen.RiskLevel, val.Score))
		}
	}

	updated, _ := c.queue.Get(ch.ID)
	return updated, nil
}

// Approve records a human approval. Only one change may sit in the
// approved-but-not-applied window.
func (c *Coordinator) Approve(id types.ChangeID, comment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if inFlight := c.inFlightID(); inFlight != "" && inFlight != id {
		return fmt.Errorf("%w (change %s)", ErrChangeInFlight, inFlight)
	}
	if err := c.queue.Approve(id, comment); err != nil {
		return err
	}
	c.recordAudit(id, approval.StatusPending, approval.StatusApproved, actorHuman, comment)
	return nil
}

// Reject records a human rejection with a required reason.
func (c *Coordinator) Reject(id types.ChangeID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.queue.Reject(id, reason); err != nil {
		return err
	}
	c.recordAudit(id, approval.StatusPending, approval.StatusRejected, actorHuman, reason)
	return nil
}

// ApplyApproved applies an approved change. The critical section is
// ordered so a crash window is as narrow as the design allows: file write,
// health flush, then the queue's audit record. The queue mark is purely an
// audit record and never consulted by recovery, so it goes last.
func (c *Coordinator) ApplyApproved(id types.ChangeID) (applier.ApplyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.queue.Get(id)
	if !ok {
		return applier.ApplyResult{}, fmt.Errorf("%w: %s", approval.ErrUnknownChange, id)
	}
	if ch.Status != approval.StatusApproved {
		return applier.ApplyResult{}, fmt.Errorf(
			"%w: apply requires state approved, have %q", approval.ErrIllegalTransition, ch.Status)
	}

	start := time.Now()
	result := c.applier.Apply(ch.ID, ch.GeneratedCode)
	if elapsed := time.Since(start); elapsed > c.cfg.ApplyTimeoutDuration() {
		c.log.Warn("apply exceeded the configured soft deadline",
			zap.String("change_id", string(id)),
			zap.Duration("elapsed", elapsed))
	}
	if !result.Success {
		if err := c.queue.MarkFailed(id, result.Error); err != nil {
			c.log.Error("could not mark change failed", zap.Error(err))
		}
		c.recordAudit(id, approval.StatusApproved, approval.StatusFailed, actorSystem, result.Error)
		return result, nil
	}

	// The health flush must complete before success propagates: it is what
	// implicates this change if the process dies before shutdown.
	if err := c.tracker.RecordChangeApplied(id); err != nil {
		c.log.Error("health record failed after apply; attempting rollback",
			zap.String("change_id", string(id)), zap.Error(err))
		rb := c.applier.Rollback(result.RollbackID)
		failMsg := fmt.Sprintf("health record failed: %v (rollback success=%v)", err, rb.Success)
		if qerr := c.queue.MarkFailed(id, failMsg); qerr != nil {
			c.log.Error("could not mark change failed", zap.Error(qerr))
		}
		c.recordAudit(id, approval.StatusApproved, approval.StatusFailed, actorSystem, failMsg)
		return applier.ApplyResult{Error: failMsg}, nil
	}

	if err := c.queue.MarkApplied(id, result.RollbackID); err != nil {
		// The file is written and the health snapshot knows it; only the
		// audit record is inconsistent. Surface loudly.
		c.log.Error("change applied but queue mark failed",
			zap.String("change_id", string(id)), zap.Error(err))
		return result, err
	}
	c.recordAudit(id, approval.StatusApproved, approval.StatusApplied, actorSystem, result.RollbackID)
	return result, nil
}

// RollbackChange manually reverses an applied change by its queue id.
func (c *Coordinator) RollbackChange(id types.ChangeID) (applier.RollbackResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.queue.Get(id)
	if !ok {
		return applier.RollbackResult{}, fmt.Errorf("%w: %s", approval.ErrUnknownChange, id)
	}
	if ch.Status != approval.StatusApplied || ch.RollbackID == "" {
		return applier.RollbackResult{}, fmt.Errorf(
			"%w: rollback requires state applied, have %q", approval.ErrIllegalTransition, ch.Status)
	}

	result := c.applier.Rollback(ch.RollbackID)
	if !result.Success {
		return result, nil
	}
	if err := c.queue.MarkRolledBack(id); err != nil {
		return result, err
	}
	c.recordAudit(id, approval.StatusApplied, approval.StatusRolledBack, actorHuman, result.Message)
	return result, nil
}

// CleanupBackups removes stale backups using the configured retention when
// days <= 0.
func (c *Coordinator) CleanupBackups(days int) (int, error) {
	if days <= 0 {
		days = c.cfg.BackupRetentionDays
	}
	return c.applier.CleanupOldBackups(days)
}

// Shutdown records a clean exit and releases resources. Every graceful
// termination route must reach this, or the next boot treats this run as a
// crash.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if err := c.tracker.RecordShutdown(); err != nil {
		firstErr = fmt.Errorf("record shutdown: %w", err)
	}
	if err := c.audit.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close audit store: %w", err)
	}
	return firstErr
}

// inFlightID returns the id of the change currently in the
// approved-but-not-applied window, or "".
func (c *Coordinator) inFlightID() types.ChangeID {
	for _, ch := range c.queue.History(0, approval.StatusApproved) {
		return ch.ID
	}
	return ""
}

func (c *Coordinator) recordAudit(id types.ChangeID, from, to approval.Status, actor, detail string) {
	if err := c.audit.Record(id, string(from), string(to), actor, detail); err != nil {
		c.log.Warn("audit record failed",
			zap.String("change_id", string(id)), zap.Error(err))
	}
}

// Read-side accessors for the CLI.

func (c *Coordinator) Queue() *approval.Queue    { return c.queue }
func (c *Coordinator) Applier() *applier.Applier { return c.applier }
func (c *Coordinator) Health() *health.Tracker   { return c.tracker }
func (c *Coordinator) Audit() *store.AuditStore  { return c.audit }
