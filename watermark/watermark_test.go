package watermark

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/giaosudau/sqlflow/sqlengine/sqlite"
)

func TestStore_GetMissingReturnsNotOK(t *testing.T) {
	eng, err := sqlite.Open(":memory:")
	assert.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()
	store, err := NewStore(ctx, eng, 16)
	assert.NoError(t, err)

	_, ok, err := store.Get(ctx, Key{Pipeline: "p", Source: "s", Target: "t", Column: "c"})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_UpdateThenGet(t *testing.T) {
	eng, err := sqlite.Open(":memory:")
	assert.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()
	store, err := NewStore(ctx, eng, 16)
	assert.NoError(t, err)

	key := Key{Pipeline: "p", Source: "s", Target: "t", Column: "ts"}
	val := Value{Kind: KindTimestamp, Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)}

	tx, err := eng.Begin(ctx)
	assert.NoError(t, err)
	assert.NoError(t, store.Update(ctx, tx, key, val))
	assert.NoError(t, tx.Commit())
	store.CommitHook(key, val)

	got, ok, err := store.Get(ctx, key)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, val.Timestamp, got.Timestamp)
}

func TestMax_PicksGreater(t *testing.T) {
	a := Value{Kind: KindInt, Int: 5}
	b := Value{Kind: KindInt, Int: 9}

	got, ok := Max(a, b)
	assert.True(t, ok)
	assert.Equal(t, int64(9), got.Int)
}

func TestMax_IncomparableKindsFlagged(t *testing.T) {
	a := Value{Kind: KindInt, Int: 5}
	b := Value{Kind: KindString, Str: "x"}

	_, ok := Max(a, b)
	assert.False(t, ok)
}

func TestStore_ResetRemovesValue(t *testing.T) {
	eng, err := sqlite.Open(":memory:")
	assert.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()
	store, err := NewStore(ctx, eng, 16)
	assert.NoError(t, err)

	key := Key{Pipeline: "p", Source: "s", Target: "t", Column: "c"}
	val := Value{Kind: KindInt, Int: 1}

	tx, err := eng.Begin(ctx)
	assert.NoError(t, err)
	assert.NoError(t, store.Update(ctx, tx, key, val))
	assert.NoError(t, tx.Commit())
	store.CommitHook(key, val)

	assert.NoError(t, store.Reset(ctx, key))

	_, ok, err := store.Get(ctx, key)
	assert.NoError(t, err)
	assert.False(t, ok)
}
