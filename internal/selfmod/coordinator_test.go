package selfmod

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"metamorph/internal/approval"
	"metamorph/internal/config"
	"metamorph/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return config.Default(t.TempDir())
}

func newCoordinator(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func submitCandidate(t *testing.T, c *Coordinator, file, code string) approval.ChangeRequest {
	t.Helper()
	ch, err := c.Submit(
		types.GeneratedCode{FilePath: file, NewCode: code, RiskLevel: types.RiskLow},
		types.ValidationResult{Valid: true, Score: 0.95},
	)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return ch
}

func TestCoordinator_FullLifecycle(t *testing.T) {
	cfg := testConfig(t)
	target := filepath.Join(cfg.ProjectRoot, "agent.go")
	if err := os.WriteFile(target, []byte("version 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c := newCoordinator(t, cfg)
	if _, err := c.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	ch := submitCandidate(t, c, "agent.go", "version 2\n")
	if ch.Status != approval.StatusPending {
		t.Fatalf("Status = %q after submit, want pending", ch.Status)
	}

	if err := c.Approve(ch.ID, "reviewed"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	result, err := c.ApplyApproved(ch.ID)
	if err != nil {
		t.Fatalf("ApplyApproved: %v", err)
	}
	if !result.Success {
		t.Fatalf("apply failed: %s", result.Error)
	}

	data, _ := os.ReadFile(target)
	if string(data) != "version 2\n" {
		t.Errorf("file content = %q after apply", data)
	}
	got, _ := c.Queue().Get(ch.ID)
	if got.Status != approval.StatusApplied || got.RollbackID != result.RollbackID {
		t.Errorf("queue record = %+v after apply", got)
	}
	if snap := c.Health().Current(); snap.LastChangeID != ch.ID || snap.TotalChangesApplied != 1 {
		t.Errorf("health snapshot = %+v after apply", snap)
	}

	rb, err := c.RollbackChange(ch.ID)
	if err != nil {
		t.Fatalf("RollbackChange: %v", err)
	}
	if !rb.Success {
		t.Fatalf("rollback failed: %s", rb.Message)
	}
	data, _ = os.ReadFile(target)
	if string(data) != "version 1\n" {
		t.Errorf("file content = %q after rollback", data)
	}
	got, _ = c.Queue().Get(ch.ID)
	if got.Status != approval.StatusRolledBack {
		t.Errorf("Status = %q after rollback, want rolled_back", got.Status)
	}

	events, err := c.Audit().ForChange(ch.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(events) != 4 { // submitted, approved, applied, rolled back
		t.Errorf("audit trail has %d events, want 4: %+v", len(events), events)
	}

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestCoordinator_ApplyRequiresApprovedState(t *testing.T) {
	cfg := testConfig(t)
	c := newCoordinator(t, cfg)
	if _, err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	ch := submitCandidate(t, c, "x.go", "package x\n")
	if _, err := c.ApplyApproved(ch.ID); !errors.Is(err, approval.ErrIllegalTransition) {
		t.Errorf("apply on pending: err = %v, want ErrIllegalTransition", err)
	}
	if _, err := c.ApplyApproved("ghost"); !errors.Is(err, approval.ErrUnknownChange) {
		t.Errorf("apply on unknown id: err = %v, want ErrUnknownChange", err)
	}
}

func TestCoordinator_SingleChangeInFlight(t *testing.T) {
	cfg := testConfig(t)
	c := newCoordinator(t, cfg)
	if _, err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	first := submitCandidate(t, c, "a.go", "package a\n")
	second := submitCandidate(t, c, "b.go", "package b\n")

	if err := c.Approve(first.ID, ""); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if err := c.Approve(second.ID, ""); !errors.Is(err, ErrChangeInFlight) {
		t.Fatalf("second approve: err = %v, want ErrChangeInFlight", err)
	}

	// Once the first lands, the window opens again.
	if _, err := c.ApplyApproved(first.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.Approve(second.ID, ""); err != nil {
		t.Errorf("approve after window cleared: %v", err)
	}
}

func TestCoordinator_ConcurrentDecisions(t *testing.T) {
	cfg := testConfig(t)
	c := newCoordinator(t, cfg)
	if _, err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	keep := submitCandidate(t, c, "keep.go", "package keep\n")
	var drop []approval.ChangeRequest
	for i := 0; i < 3; i++ {
		drop = append(drop, submitCandidate(t, c, "drop.go", "package drop\n"))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.Approve(keep.ID, ""); err != nil {
			t.Errorf("Approve: %v", err)
		}
	}()
	for _, ch := range drop {
		wg.Add(1)
		go func(id types.ChangeID) {
			defer wg.Done()
			if err := c.Reject(id, "superseded"); err != nil {
				t.Errorf("Reject: %v", err)
			}
		}(ch.ID)
	}
	wg.Wait()

	got, _ := c.Queue().Get(keep.ID)
	if got.Status != approval.StatusApproved {
		t.Errorf("kept change Status = %q, want approved", got.Status)
	}
	for _, ch := range drop {
		got, _ := c.Queue().Get(ch.ID)
		if got.Status != approval.StatusRejected {
			t.Errorf("dropped change Status = %q, want rejected", got.Status)
		}
	}
}

func TestCoordinator_FailedApplyMarksFailed(t *testing.T) {
	cfg := testConfig(t)
	c := newCoordinator(t, cfg)
	if _, err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	// Target is a directory: the apply must fail cleanly.
	if err := os.MkdirAll(filepath.Join(cfg.ProjectRoot, "adir"), 0755); err != nil {
		t.Fatal(err)
	}
	ch := submitCandidate(t, c, "adir", "x")
	if err := c.Approve(ch.ID, ""); err != nil {
		t.Fatal(err)
	}

	result, err := c.ApplyApproved(ch.ID)
	if err != nil {
		t.Fatalf("ApplyApproved: %v", err)
	}
	if result.Success {
		t.Fatal("apply over a directory should fail")
	}

	got, _ := c.Queue().Get(ch.ID)
	if got.Status != approval.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.RollbackID != "" {
		t.Error("failed apply must not record a rollback id")
	}
	if snap := c.Health().Current(); snap.TotalChangesApplied != 0 {
		t.Error("failed apply must not touch the health counters")
	}
}

func TestCoordinator_PolicyAutoApprove(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.AutoApprove = true
	cfg.Policy.AutoApproveMaxRisk = types.RiskLow
	cfg.Policy.AutoApproveMinScore = 0.9

	c := newCoordinator(t, cfg)
	if _, err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	ch := submitCandidate(t, c, "a.go", "package a\n")
	if ch.Status != approval.StatusApproved {
		t.Errorf("Status = %q, want policy auto-approval", ch.Status)
	}
	if ch.Comment != "auto-approved by policy" {
		t.Errorf("Comment = %q", ch.Comment)
	}

	// Higher risk stays pending regardless of score.
	risky, err := c.Submit(
		types.GeneratedCode{FilePath: "b.go", NewCode: "package b\n", RiskLevel: types.RiskHigh},
		types.ValidationResult{Valid: true, Score: 0.99},
	)
	if err != nil {
		t.Fatal(err)
	}
	if risky.Status != approval.StatusPending {
		t.Errorf("high-risk Status = %q, want pending", risky.Status)
	}
}

func TestCoordinator_PolicyAutoRejectInvalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.AutoRejectInvalid = true

	c := newCoordinator(t, cfg)
	if _, err := c.Boot(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	ch, err := c.Submit(
		types.GeneratedCode{FilePath: "a.go", NewCode: "package a\n", RiskLevel: types.RiskLow},
		types.ValidationResult{Valid: false, Score: 0.1, ChecksFailed: []string{"syntax"}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if ch.Status != approval.StatusRejected {
		t.Errorf("Status = %q, want rejected", ch.Status)
	}
	if ch.RejectionReason == "" {
		t.Error("policy rejection must record a reason")
	}
}

func TestCoordinator_CrashRecoveryOnBoot(t *testing.T) {
	cfg := testConfig(t)
	target := filepath.Join(cfg.ProjectRoot, "agent.go")
	if err := os.WriteFile(target, []byte("version 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// First process: applies a change, then "crashes" (no Shutdown).
	crashed := newCoordinator(t, cfg)
	if _, err := crashed.Boot(); err != nil {
		t.Fatal(err)
	}
	ch := submitCandidate(t, crashed, "agent.go", "version 2\n")
	if err := crashed.Approve(ch.ID, ""); err != nil {
		t.Fatal(err)
	}
	if result, err := crashed.ApplyApproved(ch.ID); err != nil || !result.Success {
		t.Fatalf("apply: result=%+v err=%v", result, err)
	}
	_ = crashed.Audit().Close() // release the db handle, the crash keeps everything else

	// Second process: boot must detect the crash and reverse the change.
	next := newCoordinator(t, cfg)
	res, err := next.Boot()
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	defer next.Shutdown()

	if !res.CrashDetected || !res.RollbackPerformed {
		t.Fatalf("recovery result = %+v", res)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "version 1\n" {
		t.Errorf("file content = %q after boot recovery", data)
	}
	got, _ := next.Queue().Get(ch.ID)
	if got.Status != approval.StatusRolledBack {
		t.Errorf("queue Status = %q after boot recovery, want rolled_back", got.Status)
	}
	if next.Degraded() {
		t.Error("successful recovery must not leave the coordinator degraded")
	}

	// Third boot after a clean shutdown sees a healthy system.
	if err := next.Shutdown(); err != nil {
		t.Fatal(err)
	}
	third := newCoordinator(t, cfg)
	res, err = third.Boot()
	if err != nil {
		t.Fatal(err)
	}
	defer third.Shutdown()
	if res.CrashDetected {
		t.Errorf("clean shutdown misread as crash: %+v", res)
	}
}

func TestCoordinator_DegradedOnInconsistentLedger(t *testing.T) {
	cfg := testConfig(t)

	// Forge a previous run that recorded an applied change the ledger never
	// saw, then crashed.
	prev := newCoordinator(t, cfg)
	if _, err := prev.Boot(); err != nil {
		t.Fatal(err)
	}
	if err := prev.Health().RecordChangeApplied("ghost"); err != nil {
		t.Fatal(err)
	}
	_ = prev.Audit().Close()

	next := newCoordinator(t, cfg)
	res, err := next.Boot()
	if err != nil {
		t.Fatalf("Boot must not hard-fail on a consistency error: %v", err)
	}
	defer next.Shutdown()

	if !res.Failed() {
		t.Fatalf("consistency error not surfaced: %+v", res)
	}
	if !next.Degraded() {
		t.Error("coordinator must flag degraded mode")
	}
}
