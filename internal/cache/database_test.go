package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/certifychain/certifychain/internal/database/testutil"
	"github.com/certifychain/certifychain/internal/models"
)

func setupStore(t *testing.T) *DatabaseStore {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	return NewDatabaseStore(db)
}

func TestIncrementWithTTL(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	count, remaining, err := store.IncrementWithTTL(ctx, "rate:10.0.0.1:/login", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Greater(t, remaining, time.Duration(0))

	count, _, err = store.IncrementWithTTL(ctx, "rate:10.0.0.1:/login", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	// Separate keys count independently.
	count, _, err = store.IncrementWithTTL(ctx, "rate:10.0.0.2:/login", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestIncrementKeepsOriginalWindow(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, first, err := store.IncrementWithTTL(ctx, "window-key", time.Minute)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, second, err := store.IncrementWithTTL(ctx, "window-key", time.Minute)
	require.NoError(t, err)

	// The second hit must not extend the window opened by the first.
	require.Less(t, second, first)
}

func TestIncrementResetsAfterExpiry(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	count, _, err := store.IncrementWithTTL(ctx, "expiring-key", 10*time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	time.Sleep(20 * time.Millisecond)

	count, _, err = store.IncrementWithTTL(ctx, "expiring-key", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestSetGetDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "greeting", []byte("hello"), time.Minute))

	value, found, err := store.Get(ctx, "greeting")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("hello"), value)

	// Upsert overwrites.
	require.NoError(t, store.Set(ctx, "greeting", []byte("hi"), time.Minute))
	value, found, err = store.Get(ctx, "greeting")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("hi"), value)

	require.NoError(t, store.Delete(ctx, "greeting"))
	_, found, err = store.Get(ctx, "greeting")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetExpiredEntry(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short-lived", []byte("x"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, found, err := store.Get(ctx, "short-lived")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSweep(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "expired", []byte("a"), 10*time.Millisecond))
	require.NoError(t, store.Set(ctx, "live", []byte("b"), time.Hour))
	require.NoError(t, store.Set(ctx, "forever", []byte("c"), 0))

	time.Sleep(20 * time.Millisecond)

	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	var remaining int64
	require.NoError(t, store.db.Model(&models.CacheEntry{}).Count(&remaining).Error)
	require.EqualValues(t, 2, remaining)
}

func TestNilStoreErrors(t *testing.T) {
	var store *DatabaseStore

	_, _, err := store.IncrementWithTTL(context.Background(), "k", time.Minute)
	require.Error(t, err)

	require.Nil(t, NewDatabaseStore(nil))
}
