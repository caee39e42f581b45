package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *AuditStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAuditStore_RecordAndRecent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Record("c1", "", "pending", "system", "submitted"))
	require.NoError(t, s.Record("c1", "pending", "approved", "human", "lgtm"))
	require.NoError(t, s.Record("c2", "", "pending", "system", "submitted"))

	recent, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c2", string(recent[0].ChangeID), "Recent must be newest first")
	assert.Equal(t, "approved", recent[1].ToStatus)
	assert.False(t, recent[0].CreatedAt.IsZero())
}

func TestAuditStore_ForChange(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Record("c1", "", "pending", "system", ""))
	require.NoError(t, s.Record("c2", "", "pending", "system", ""))
	require.NoError(t, s.Record("c1", "pending", "rejected", "human", "too risky"))

	events, err := s.ForChange("c1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "pending", events[0].ToStatus, "ForChange must be oldest first")
	assert.Equal(t, "rejected", events[1].ToStatus)
	assert.Equal(t, "too risky", events[1].Detail)
}

func TestAuditStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Record("c1", "", "pending", "system", ""))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	events, err := s2.Recent(10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAuditStore_NilStoreIsNoOp(t *testing.T) {
	var s *AuditStore

	assert.NoError(t, s.Record("c1", "", "pending", "system", ""))
	events, err := s.Recent(10)
	assert.NoError(t, err)
	assert.Nil(t, events)
	assert.NoError(t, s.Close())
}
