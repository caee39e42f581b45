package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"metamorph/internal/types"
)

// Queue transition errors. Callers distinguish "no such change" from
// "change exists but is in the wrong state".
var (
	ErrUnknownChange     = errors.New("unknown change id")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrReasonRequired    = errors.New("rejection reason is required")
)

// Queue holds change requests in memory and snapshots the full state to a
// JSON file on every mutation. The file is a durability mechanism for
// process restart, not a channel between processes; readers always see the
// in-memory state.
type Queue struct {
	mu      sync.Mutex
	path    string
	log     *zap.Logger
	pending []*ChangeRequest // status == pending, submission order
	history []*ChangeRequest // every change that left pending, transition order
	index   map[types.ChangeID]*ChangeRequest
}

// snapshot is the on-disk document layout.
type snapshot struct {
	Pending []*ChangeRequest `json:"pending"`
	History []*ChangeRequest `json:"history"`
}

// NewQueue constructs a queue backed by the JSON file at path, reloading any
// previously persisted state. A missing file is an empty queue.
func NewQueue(path string, log *zap.Logger) (*Queue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		path:  path,
		log:   log,
		index: make(map[types.ChangeID]*ChangeRequest),
	}
	if err := q.load(); err != nil {
		return nil, fmt.Errorf("load approval queue: %w", err)
	}
	return q, nil
}

func (q *Queue) load() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse %s: %w", q.path, err)
	}
	q.pending = snap.Pending
	q.history = snap.History
	for _, c := range q.pending {
		q.index[c.ID] = c
	}
	for _, c := range q.history {
		q.index[c.ID] = c
	}
	q.log.Debug("approval queue loaded",
		zap.Int("pending", len(q.pending)),
		zap.Int("history", len(q.history)))
	return nil
}

// persist writes the full queue state. Caller holds q.mu.
func (q *Queue) persist() error {
	snap := snapshot{Pending: q.pending, History: q.history}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(q.path, data, 0644)
}

// Add inserts a new change request in pending state and assigns it a fresh
// unique id. Submission always succeeds; a persistence failure is surfaced
// but the record stays in memory.
func (q *Queue) Add(gen types.GeneratedCode, val types.ValidationResult) (ChangeRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := &ChangeRequest{
		ID:            types.ChangeID(uuid.NewString()),
		GeneratedCode: gen,
		Validation:    val,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	q.pending = append(q.pending, c)
	q.index[c.ID] = c

	q.log.Info("change submitted",
		zap.String("change_id", string(c.ID)),
		zap.String("file", gen.FilePath),
		zap.String("risk", gen.RiskLevel),
		zap.Bool("valid", val.Valid))

	return *c, q.persist()
}

// Approve transitions a pending change to approved and records the reviewer
// comment. Approval never applies the change; application is a separate,
// explicitly audited step.
func (q *Queue) Approve(id types.ChangeID, comment string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChange, id)
	}
	if c.Status != StatusPending {
		return fmt.Errorf("%w: cannot approve change in state %q", ErrIllegalTransition, c.Status)
	}
	now := time.Now().UTC()
	c.Status = StatusApproved
	c.ApprovedAt = &now
	c.Comment = comment
	q.removePending(id)
	q.history = append(q.history, c)

	q.log.Info("change approved", zap.String("change_id", string(id)))
	return q.persist()
}

// Reject transitions a pending change to rejected (terminal). A non-empty
// reason is required so the audit trail explains the disposition.
func (q *Queue) Reject(id types.ChangeID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if reason == "" {
		return ErrReasonRequired
	}
	c, ok := q.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChange, id)
	}
	if c.Status != StatusPending {
		return fmt.Errorf("%w: cannot reject change in state %q", ErrIllegalTransition, c.Status)
	}
	now := time.Now().UTC()
	c.Status = StatusRejected
	c.RejectedAt = &now
	c.RejectionReason = reason
	q.removePending(id)
	q.history = append(q.history, c)

	q.log.Info("change rejected",
		zap.String("change_id", string(id)),
		zap.String("reason", reason))
	return q.persist()
}

// MarkApplied records that an approved change was successfully written to
// disk, storing the rollback id minted by the applier. Calling this for a
// change that is not in approved state would corrupt the audit trail, so it
// is rejected rather than overwritten.
func (q *Queue) MarkApplied(id types.ChangeID, rollbackID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChange, id)
	}
	if c.Status != StatusApproved {
		return fmt.Errorf("%w: mark_applied requires state approved, have %q", ErrIllegalTransition, c.Status)
	}
	if rollbackID == "" {
		return errors.New("mark_applied requires a rollback id")
	}
	now := time.Now().UTC()
	c.Status = StatusApplied
	c.AppliedAt = &now
	c.RollbackID = rollbackID

	q.log.Info("change marked applied",
		zap.String("change_id", string(id)),
		zap.String("rollback_id", rollbackID))
	return q.persist()
}

// MarkFailed records that applying an approved change failed (terminal).
// Nothing was written, so no rollback id is ever set on a failed change.
func (q *Queue) MarkFailed(id types.ChangeID, applyErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChange, id)
	}
	if c.Status != StatusApproved {
		return fmt.Errorf("%w: mark_failed requires state approved, have %q", ErrIllegalTransition, c.Status)
	}
	c.Status = StatusFailed
	c.Error = applyErr

	q.log.Warn("change marked failed",
		zap.String("change_id", string(id)),
		zap.String("error", applyErr))
	return q.persist()
}

// MarkRolledBack records that an applied change was reversed (terminal).
func (q *Queue) MarkRolledBack(id types.ChangeID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChange, id)
	}
	if c.Status != StatusApplied {
		return fmt.Errorf("%w: mark_rolled_back requires state applied, have %q", ErrIllegalTransition, c.Status)
	}
	c.Status = StatusRolledBack

	q.log.Info("change marked rolled back", zap.String("change_id", string(id)))
	return q.persist()
}

// removePending drops id from the pending slice. Caller holds q.mu.
func (q *Queue) removePending(id types.ChangeID) {
	for i, c := range q.pending {
		if c.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// Pending returns copies of all pending changes in submission order.
func (q *Queue) Pending() []ChangeRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]ChangeRequest, len(q.pending))
	for i, c := range q.pending {
		out[i] = *c
	}
	return out
}

// Get returns a copy of the change with the given id.
func (q *Queue) Get(id types.ChangeID) (ChangeRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.index[id]
	if !ok {
		return ChangeRequest{}, false
	}
	return *c, true
}

// History returns up to limit non-pending changes, newest transition first,
// optionally filtered by status. limit <= 0 means no limit.
func (q *Queue) History(limit int, filter Status) []ChangeRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []ChangeRequest
	for i := len(q.history) - 1; i >= 0; i-- {
		c := q.history[i]
		if filter != "" && c.Status != filter {
			continue
		}
		out = append(out, *c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Statistics computes per-status counts plus the approval and success
// rates. Changes that moved past approved (applied, failed, rolled_back)
// still count as approvals; rolled-back changes still count as applies.
func (q *Queue) Statistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Statistics{ByStatus: make(map[Status]int)}
	var approvedEver, rejected, appliedEver, failed int

	count := func(c *ChangeRequest) {
		stats.Total++
		stats.ByStatus[c.Status]++
		if c.ApprovedAt != nil {
			approvedEver++
		}
		if c.RejectedAt != nil {
			rejected++
		}
		if c.AppliedAt != nil {
			appliedEver++
		}
		if c.Status == StatusFailed {
			failed++
		}
	}
	for _, c := range q.pending {
		count(c)
	}
	for _, c := range q.history {
		count(c)
	}

	if approvedEver+rejected > 0 {
		stats.ApprovalRate = float64(approvedEver) / float64(approvedEver+rejected)
	}
	if appliedEver+failed > 0 {
		stats.SuccessRate = float64(appliedEver) / float64(appliedEver+failed)
	}
	return stats
}
