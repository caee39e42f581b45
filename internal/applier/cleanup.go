package applier

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CleanupOldBackups deletes backup files whose modification time is strictly
// older than the cutoff (a file exactly at the cutoff age is kept). Backups
// still referenced by a ledger entry that has not been rolled back are never
// deleted, whatever their age: they are the only way to reverse that apply.
func (a *Applier) CleanupOldBackups(days int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := os.ReadDir(a.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	live := make(map[string]bool)
	for _, rec := range a.ledger {
		if rec.BackupPath != "" && rec.RolledBackAt == nil {
			live[rec.BackupPath] = true
		}
	}

	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".backup") {
			continue
		}
		path := filepath.Join(a.backupDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if live[path] {
			a.log.Debug("cleanup skipping live backup", zap.String("backup", path))
			continue
		}
		if err := os.Remove(path); err != nil {
			a.log.Warn("cleanup failed to delete backup",
				zap.String("backup", path), zap.Error(err))
			continue
		}
		deleted++
	}

	if deleted > 0 {
		a.log.Info("backup cleanup complete",
			zap.Int("deleted", deleted),
			zap.Int("retention_days", days))
	}
	return deleted, nil
}
