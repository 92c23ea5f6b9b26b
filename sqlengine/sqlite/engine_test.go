package sqlite

import (
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestEngine_SchemaRoundTrip(t *testing.T) {
	eng, err := Open(":memory:")
	assert.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()

	tx, err := eng.Begin(ctx)
	assert.NoError(t, err)

	_, err = tx.Exec(ctx, "CREATE TABLE t (a INTEGER, b TEXT)")
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit())

	snap, ok, err := eng.Schema(ctx, "t")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, len(snap.Columns))
	assert.Equal(t, "a", snap.Columns[0].Name)
}

func TestEngine_SchemaMissingTable(t *testing.T) {
	eng, err := Open(":memory:")
	assert.NoError(t, err)
	defer eng.Close()

	_, ok, err := eng.Schema(context.Background(), "nope")
	assert.NoError(t, err)
	assert.False(t, ok)
}
