// Package applier mutates files on disk with backup-before-write and
// byte-exact rollback. Every successful apply leaves an immutable
// AppliedChange record in a JSON ledger keyed by rollback id; the backup
// copy referenced by that record is the sole mechanism for reversing the
// apply.
package applier

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"metamorph/internal/types"
)

// AppliedChange records one successful file mutation. Created at the moment
// a write succeeds and never modified afterwards, except for RolledBackAt,
// which is stamped once when the change is reversed so cleanup can tell
// which backups are still live.
type AppliedChange struct {
	RollbackID   string         `json:"rollback_id"`
	ChangeID     types.ChangeID `json:"change_id"`
	FilePath     string         `json:"file_path"`   // absolute, resolved
	BackupPath   string         `json:"backup_path"` // empty for a new-file apply
	AppliedAt    time.Time      `json:"applied_at"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	RolledBackAt *time.Time     `json:"rolled_back_at,omitempty"`
}

// ApplyResult is the structured outcome of Apply. On failure the target
// file's state matches its pre-call state.
type ApplyResult struct {
	Success    bool      `json:"success"`
	RollbackID string    `json:"rollback_id,omitempty"`
	BackupPath string    `json:"backup_path,omitempty"`
	AppliedAt  time.Time `json:"applied_at,omitempty"`
	NewFile    bool      `json:"new_file,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RollbackResult is the structured outcome of Rollback.
type RollbackResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	FileRestored string `json:"file_restored,omitempty"`
}

// Applier applies change requests to the source tree. One instance owns the
// backup directory and the applied-changes ledger; concurrent calls
// serialize on the internal mutex.
type Applier struct {
	mu          sync.Mutex
	projectRoot string
	backupDir   string
	ledgerPath  string
	ledger      map[string]*AppliedChange
	lastStamp   int64 // monotonic guard for rollback ids
	log         *zap.Logger
}

// New constructs an applier rooted at projectRoot, storing backups and the
// ledger under stateDir. The ledger is reloaded from disk if present.
func New(projectRoot, stateDir string, log *zap.Logger) (*Applier, error) {
	if log == nil {
		log = zap.NewNop()
	}
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	a := &Applier{
		projectRoot: root,
		backupDir:   filepath.Join(stateDir, "backups"),
		ledgerPath:  filepath.Join(stateDir, "applied_changes.json"),
		ledger:      make(map[string]*AppliedChange),
		log:         log,
	}
	if err := a.loadLedger(); err != nil {
		return nil, fmt.Errorf("load applied-changes ledger: %w", err)
	}
	return a, nil
}

// Apply writes change.NewCode over the target file, backing up any existing
// content first. The sequence is strict: resolve, back up, write. A backup
// failure aborts before any destructive write; a write failure restores the
// backup (or removes a just-created file) so the target is left exactly as
// found.
func (a *Applier) Apply(changeID types.ChangeID, gen types.GeneratedCode) ApplyResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	target := gen.FilePath
	if !filepath.IsAbs(target) {
		target = filepath.Join(a.projectRoot, target)
	}
	target = filepath.Clean(target)

	info, statErr := os.Stat(target)
	newFile := os.IsNotExist(statErr)
	if statErr != nil && !newFile {
		return ApplyResult{Error: fmt.Sprintf("stat %s: %v", target, statErr)}
	}
	if !newFile && info.IsDir() {
		return ApplyResult{Error: fmt.Sprintf("target %s is a directory", target)}
	}

	var backupPath string
	if newFile {
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return ApplyResult{Error: fmt.Sprintf("create parent directories: %v", err), NewFile: true}
		}
		if err := os.WriteFile(target, nil, 0644); err != nil {
			return ApplyResult{Error: fmt.Sprintf("create %s: %v", target, err), NewFile: true}
		}
	} else {
		var err error
		backupPath, err = a.createBackup(target)
		if err != nil {
			// Nothing has been written yet; the apply aborts cleanly.
			return ApplyResult{Error: fmt.Sprintf("backup before write: %v", err)}
		}
	}

	if err := os.WriteFile(target, []byte(gen.NewCode), fileMode(info)); err != nil {
		a.undoPartialWrite(target, backupPath, newFile)
		return ApplyResult{Error: fmt.Sprintf("write %s: %v", target, err), NewFile: newFile}
	}

	rec := &AppliedChange{
		RollbackID: a.nextRollbackID(),
		ChangeID:   changeID,
		FilePath:   target,
		BackupPath: backupPath,
		AppliedAt:  time.Now().UTC(),
		Success:    true,
	}
	a.ledger[rec.RollbackID] = rec
	if err := a.saveLedger(); err != nil {
		a.log.Error("ledger persist failed after apply",
			zap.String("rollback_id", rec.RollbackID),
			zap.Error(err))
	}

	a.log.Info("change applied",
		zap.String("change_id", string(changeID)),
		zap.String("rollback_id", rec.RollbackID),
		zap.String("file", target),
		zap.Bool("new_file", newFile))

	return ApplyResult{
		Success:    true,
		RollbackID: rec.RollbackID,
		BackupPath: backupPath,
		AppliedAt:  rec.AppliedAt,
		NewFile:    newFile,
	}
}

// Rollback restores the file recorded under rollbackID from its backup.
// It is idempotent: restoring twice is safe and leaves the file in the
// backed-up state. A change applied as a new file has no backup and is
// refused; the created file is never deleted.
func (a *Applier) Rollback(rollbackID string) RollbackResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.ledger[rollbackID]
	if !ok {
		return RollbackResult{Message: fmt.Sprintf("no applied change with rollback id %q", rollbackID)}
	}
	if rec.BackupPath == "" {
		return RollbackResult{Message: fmt.Sprintf(
			"change %s created %s as a new file; there is no backup to restore", rec.ChangeID, rec.FilePath)}
	}
	if _, err := os.Stat(rec.BackupPath); err != nil {
		return RollbackResult{Message: fmt.Sprintf("backup %s is missing: %v", rec.BackupPath, err)}
	}

	if err := copyFile(rec.BackupPath, rec.FilePath); err != nil {
		return RollbackResult{Message: fmt.Sprintf("restore %s: %v", rec.FilePath, err)}
	}

	if rec.RolledBackAt == nil {
		now := time.Now().UTC()
		rec.RolledBackAt = &now
		if err := a.saveLedger(); err != nil {
			a.log.Error("ledger persist failed after rollback",
				zap.String("rollback_id", rollbackID),
				zap.Error(err))
		}
	}

	a.log.Info("change rolled back",
		zap.String("change_id", string(rec.ChangeID)),
		zap.String("rollback_id", rollbackID),
		zap.String("file", rec.FilePath))

	return RollbackResult{
		Success:      true,
		Message:      fmt.Sprintf("restored %s from %s", rec.FilePath, rec.BackupPath),
		FileRestored: rec.FilePath,
	}
}

// FindByChangeID returns the most recent un-rolled-back applied change for
// the given change id. Recovery uses this to resolve the health snapshot's
// last-applied marker into a rollback handle.
func (a *Applier) FindByChangeID(changeID types.ChangeID) (AppliedChange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var best *AppliedChange
	for _, rec := range a.ledger {
		if rec.ChangeID != changeID || rec.RolledBackAt != nil {
			continue
		}
		if best == nil || rec.AppliedAt.After(best.AppliedAt) {
			best = rec
		}
	}
	if best == nil {
		return AppliedChange{}, false
	}
	return *best, true
}

// Get returns the ledger entry for a rollback id.
func (a *Applier) Get(rollbackID string) (AppliedChange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.ledger[rollbackID]
	if !ok {
		return AppliedChange{}, false
	}
	return *rec, true
}

// ListApplied returns up to limit ledger entries, newest first.
// limit <= 0 means no limit.
func (a *Applier) ListApplied(limit int) []AppliedChange {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]AppliedChange, 0, len(a.ledger))
	for _, rec := range a.ledger {
		out = append(out, *rec)
	}
	// Newest first; ties broken by rollback id for stable output.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && later(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func later(a, b AppliedChange) bool {
	if !a.AppliedAt.Equal(b.AppliedAt) {
		return a.AppliedAt.After(b.AppliedAt)
	}
	return a.RollbackID > b.RollbackID
}

// undoPartialWrite best-effort restores the pre-call state after a failed
// write. Caller holds a.mu.
func (a *Applier) undoPartialWrite(target, backupPath string, newFile bool) {
	if newFile {
		if err := os.Remove(target); err != nil {
			a.log.Error("failed to remove partially created file",
				zap.String("file", target), zap.Error(err))
		}
		return
	}
	if backupPath == "" {
		return
	}
	if err := copyFile(backupPath, target); err != nil {
		a.log.Error("failed to restore backup after write failure",
			zap.String("file", target),
			zap.String("backup", backupPath),
			zap.Error(err))
	}
}

// createBackup copies target byte-for-byte into the backup directory using
// the <name>.<YYYYMMDD_HHMMSS>.backup naming scheme. Caller holds a.mu.
func (a *Applier) createBackup(target string) (string, error) {
	if err := os.MkdirAll(a.backupDir, 0755); err != nil {
		return "", err
	}
	stamp := time.Now().Format("20060102_150405")
	base := fmt.Sprintf("%s.%s.backup", filepath.Base(target), stamp)
	backupPath := filepath.Join(a.backupDir, base)

	// Two applies of the same file within one second would collide.
	for n := 1; ; n++ {
		if _, err := os.Stat(backupPath); os.IsNotExist(err) {
			break
		}
		backupPath = filepath.Join(a.backupDir,
			fmt.Sprintf("%s.%s_%d.backup", filepath.Base(target), stamp, n))
	}

	if err := copyFile(target, backupPath); err != nil {
		return "", err
	}
	return backupPath, nil
}

// nextRollbackID mints a timestamp-derived id that is strictly monotonic
// within the process even when the clock does not advance. Caller holds a.mu.
func (a *Applier) nextRollbackID() string {
	stamp := time.Now().UnixNano()
	if stamp <= a.lastStamp {
		stamp = a.lastStamp + 1
	}
	a.lastStamp = stamp
	return fmt.Sprintf("rb_%d", stamp)
}

// fileMode returns the mode to write the target with, preserving an
// existing file's permissions.
func fileMode(info os.FileInfo) os.FileMode {
	if info != nil {
		return info.Mode().Perm()
	}
	return 0644
}

// copyFile copies src to dst byte-for-byte, replacing dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
