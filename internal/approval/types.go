// Package approval implements the change approval queue - the state machine
// that tracks a proposed self-modification from submission to its terminal
// disposition. The queue is the system of record for the audit trail; it
// references the applier's rollback identifiers but never calls the applier.
package approval

import (
	"time"

	"metamorph/internal/types"
)

// Status is the lifecycle state of a change request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusApplied    Status = "applied"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusApplied, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
// Applied is not terminal: an applied change may still be rolled back.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// ChangeRequest is one proposed single-file modification and everything
// recorded about its journey through the queue.
//
// Invariant: at most one of ApprovedAt/RejectedAt is set, and AppliedAt is
// only set after ApprovedAt. RollbackID is non-empty iff the status is
// applied or rolled_back.
type ChangeRequest struct {
	ID              types.ChangeID         `json:"id"`
	GeneratedCode   types.GeneratedCode    `json:"generated_code"`
	Validation      types.ValidationResult `json:"validation"`
	Status          Status                 `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	ApprovedAt      *time.Time             `json:"approved_at,omitempty"`
	RejectedAt      *time.Time             `json:"rejected_at,omitempty"`
	AppliedAt       *time.Time             `json:"applied_at,omitempty"`
	RollbackID      string                 `json:"rollback_id,omitempty"`
	Comment         string                 `json:"comment,omitempty"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// Statistics summarizes queue history for display.
type Statistics struct {
	Total        int            `json:"total"`
	ByStatus     map[Status]int `json:"by_status"`
	ApprovalRate float64        `json:"approval_rate"` // approved / (approved + rejected)
	SuccessRate  float64        `json:"success_rate"`  // applied / (applied + failed)
}
