package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franckalain/plantdex/internal/database"
	"github.com/franckalain/plantdex/internal/models"
)

func names(entries []models.HistoryEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

// flakyStore fails the next failGets reads.
type flakyStore struct {
	*database.MemoryStore
	failGets int
}

func (f *flakyStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if f.failGets > 0 {
		f.failGets--
		return nil, errors.New("database is locked")
	}
	return f.MemoryStore.Get(ctx, namespace, key)
}

func TestLedger_DedupMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	l := New(database.NewMemoryStore(0), 10)

	for _, name := range []string{"Aloe", "Basil", "Aloe"} {
		require.NoError(t, l.Record(ctx, models.HistoryEntry{Name: name}))
	}

	entries, err := l.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Aloe", "Basil"}, names(entries))
}

func TestLedger_Bounded(t *testing.T) {
	ctx := context.Background()
	l := New(database.NewMemoryStore(0), 3)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(ctx, models.HistoryEntry{Name: fmt.Sprintf("plant-%d", i)}))
	}

	entries, err := l.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"plant-4", "plant-3", "plant-2"}, names(entries))
}

func TestLedger_DuplicateNameIgnoresCase(t *testing.T) {
	ctx := context.Background()
	l := New(database.NewMemoryStore(0), 10)

	require.NoError(t, l.Record(ctx, models.HistoryEntry{Name: "Sweet Basil", IsEdible: false}))
	require.NoError(t, l.Record(ctx, models.HistoryEntry{Name: "sweet basil ", IsEdible: true}))

	entries, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sweet basil", entries[0].Name)
	assert.True(t, entries[0].IsEdible)
}

func TestLedger_DatesUndatedEntries(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	l := New(database.NewMemoryStore(0), 10, WithClock(func() time.Time { return fixed }))

	require.NoError(t, l.Record(ctx, models.HistoryEntry{Name: "Mint", ImageRef: "/uploads/1"}))

	entries, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, fixed.Equal(entries[0].Date))
	assert.Equal(t, "/uploads/1", entries[0].ImageRef)
}

func TestLedger_RejectsBlankName(t *testing.T) {
	l := New(database.NewMemoryStore(0), 10)
	assert.Error(t, l.Record(context.Background(), models.HistoryEntry{Name: "  "}))
}

func TestLedger_EmptyAndUnreadable(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore(0)
	l := New(store, 10)

	entries, err := l.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, store.Put(ctx, Namespace, listKey, []byte("{broken")))
	entries, err = l.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, l.Record(ctx, models.HistoryEntry{Name: "Aloe"}))
	entries, err = l.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Aloe"}, names(entries))
}

func TestLedger_FullStoreIsClearedOnce(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore(400)
	require.NoError(t, store.Put(ctx, "nutrition", "filler", []byte(strings.Repeat("x", 350))))

	l := New(store, 10)
	require.NoError(t, l.Record(ctx, models.HistoryEntry{Name: "Aloe"}))

	_, err := store.Get(ctx, "nutrition", "filler")
	assert.ErrorIs(t, err, database.ErrNotFound)

	entries, err := l.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Aloe"}, names(entries))
}

func TestLedger_PersistsInSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := database.NewSQLiteStore(t.TempDir()+"/history.db", 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, New(store, 10).Record(ctx, models.HistoryEntry{Name: "Basil"}))

	entries, err := New(store, 10).List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Basil"}, names(entries))
}

func TestLedger_ReadFailureKeepsList(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: database.NewMemoryStore(0)}
	l := New(store, 10)
	for _, name := range []string{"Aloe", "Basil", "Mint"} {
		require.NoError(t, l.Record(ctx, models.HistoryEntry{Name: name}))
	}

	store.failGets = 1
	assert.Error(t, l.Record(ctx, models.HistoryEntry{Name: "Sage"}))

	entries, err := l.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Mint", "Basil", "Aloe"}, names(entries))

	require.NoError(t, l.Record(ctx, models.HistoryEntry{Name: "Sage"}))
	entries, err = l.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sage", "Mint", "Basil", "Aloe"}, names(entries))
}
