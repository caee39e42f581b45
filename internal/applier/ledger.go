package applier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// The ledger is a JSON object keyed by rollback id. It is rewritten whole on
// every mutation; entries are small and the set stays bounded by cleanup.

func (a *Applier) loadLedger() error {
	data, err := os.ReadFile(a.ledgerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var entries map[string]*AppliedChange
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", a.ledgerPath, err)
	}
	if entries == nil { // file holds the JSON literal null
		entries = make(map[string]*AppliedChange)
	}
	a.ledger = entries
	for _, rec := range a.ledger {
		if rec.AppliedAt.UnixNano() > a.lastStamp {
			a.lastStamp = rec.AppliedAt.UnixNano()
		}
	}
	return nil
}

// saveLedger persists all entries. Caller holds a.mu.
func (a *Applier) saveLedger() error {
	data, err := json.MarshalIndent(a.ledger, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.ledgerPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(a.ledgerPath, data, 0644)
}
