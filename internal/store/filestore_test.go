package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "pending.bin"))
}

func TestFileStoreRoundTrip(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	saved := []PendingRecord{
		{ID: "a", Queue: "events", Payload: []byte(`{"name":"click"}`), SavedAt: time.Unix(100, 0).UTC()},
		{ID: "b", Queue: "summaries", Payload: []byte(`{"experience_id":"e1"}`), SavedAt: time.Unix(101, 0).UTC()},
	}
	require.NoError(t, s.Save(ctx, saved))

	loaded, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "a", loaded[0].ID)
	assert.Equal(t, "events", loaded[0].Queue)
	assert.JSONEq(t, `{"name":"click"}`, string(loaded[0].Payload))
}

func TestFileStoreLoadDrains(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, []PendingRecord{{ID: "a", Queue: "events"}}))

	first, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, second, "a drained store stays empty")
}

func TestFileStoreAppendsAcrossSaves(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, []PendingRecord{{ID: "a", Queue: "events"}}))
	require.NoError(t, s.Save(ctx, []PendingRecord{{ID: "b", Queue: "events"}}))

	loaded, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
}

func TestFileStoreCorruptFileResetsOnSave(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(s.path, []byte("not msgpack"), 0o600))
	require.NoError(t, s.Save(ctx, []PendingRecord{{ID: "a", Queue: "events"}}))

	loaded, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "a", loaded[0].ID)
}

func TestFileStoreEmptySaveIsNoop(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Save(context.Background(), nil))
	_, err := os.Stat(s.path)
	assert.True(t, os.IsNotExist(err), "no file created for empty save")
}

func TestOpenUnknownBackendFallsBackToNop(t *testing.T) {
	st, err := Open("bogus", "")
	require.NoError(t, err)
	assert.IsType(t, Nop{}, st)
}
