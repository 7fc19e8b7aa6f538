package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/dataset"
	"github.com/roach88/recsync/internal/record"
)

// createTestSQLite creates a new file-backed cache for testing.
func createTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSnapshot(revision int64) dataset.Snapshot {
	return dataset.Snapshot{
		Revision: revision,
		Records: []*record.Record{
			record.NewRecord("c", "r1", map[string]*record.Value{"f": record.NewValue("v")}),
		},
	}
}

func caches(t *testing.T) map[string]Cache {
	return map[string]Cache{
		"memory": NewMemory(),
		"sqlite": createTestSQLite(t),
	}
}

func TestCache_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			_, err := c.GetDataset(ctx, "app", "h1")
			assert.ErrorIs(t, err, ErrMiss)

			require.NoError(t, c.SaveDataset(ctx, "app", "h1", testSnapshot(3)))
			require.NoError(t, c.SaveDataset(ctx, "app", "h1", testSnapshot(4)))

			snap, err := c.GetDataset(ctx, "app", "h1")
			require.NoError(t, err)
			assert.Equal(t, int64(4), snap.Revision)
			require.Len(t, snap.Records, 1)
			assert.Equal(t, "v", snap.Records[0].Fields["f"].Interface(false))

			_, err = c.GetDataset(ctx, "user", "h1")
			assert.ErrorIs(t, err, ErrMiss, "context is part of the key")
		})
	}
}

func TestCache_Clear(t *testing.T) {
	ctx := context.Background()
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.SaveDataset(ctx, "app", "h1", testSnapshot(1)))
			require.NoError(t, c.Clear(ctx))

			_, err := c.GetDataset(ctx, "app", "h1")
			assert.ErrorIs(t, err, ErrMiss)
		})
	}
}

func TestMemory_Corrupt(t *testing.T) {
	m := NewMemory()
	m.Put("app", "h1", []byte("{not json"))

	_, err := m.GetDataset(context.Background(), "app", "h1")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSQLite_Corrupt(t *testing.T) {
	s := createTestSQLite(t)
	_, err := s.db.Exec(`INSERT INTO snapshots (context, handle, revision, payload, saved_at) VALUES ('app', 'h1', 1, 'garbage', 0)`)
	require.NoError(t, err)

	_, err = s.GetDataset(context.Background(), "app", "h1")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSQLite_Pragmas(t *testing.T) {
	s := createTestSQLite(t)
	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveDataset(context.Background(), "app", "h1", testSnapshot(9)))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.GetDataset(context.Background(), "app", "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), snap.Revision)
}

func TestSQLite_Evict(t *testing.T) {
	s := createTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base }
	require.NoError(t, s.SaveDataset(ctx, "app", "old", testSnapshot(1)))
	s.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, s.SaveDataset(ctx, "app", "new", testSnapshot(1)))

	n, err := s.Evict(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetDataset(ctx, "app", "old")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = s.GetDataset(ctx, "app", "new")
	assert.NoError(t, err)
}
