// Package types holds the data contracts shared between the self-modification
// components and their external collaborators (the code generator and the
// validator). The core never interprets these beyond storage and display.
package types

// ChangeID identifies a proposed change. The same identifier links the
// approval queue record, the applied-changes ledger entry, and the health
// snapshot's last-applied marker. The linkage is a contract, not a
// constraint; recovery verifies it explicitly.
type ChangeID string

// GeneratedCode is a candidate modification produced by the code generator.
// NewCode is an opaque full-file replacement, never a patch.
type GeneratedCode struct {
	FilePath    string `json:"file_path"`
	NewCode     string `json:"new_code"`
	RiskLevel   string `json:"risk_level"`
	DiffUnified string `json:"diff_unified"`
	Explanation string `json:"explanation"`
}

// ValidationResult is the validator's verdict on a candidate, stored
// verbatim alongside the change request.
type ValidationResult struct {
	Valid          bool     `json:"valid"`
	Score          float64  `json:"score"`
	ChecksPassed   []string `json:"checks_passed"`
	ChecksFailed   []string `json:"checks_failed"`
	Warnings       []string `json:"warnings"`
	SecurityIssues []string `json:"security_issues"`
}

// Risk levels reported by the generator, lowest to highest.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// RiskRank orders risk levels for policy comparisons. Unknown levels rank
// above critical so a garbled risk label is never treated as safe.
func RiskRank(level string) int {
	switch level {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 4
	}
}
