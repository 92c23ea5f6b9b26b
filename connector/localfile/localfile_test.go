package localfile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/giaosudau/sqlflow/connector"
)

func TestLocalFile_WriteReplaceThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	c := &Connector{}
	assert.NoError(t, c.Configure(map[string]any{"path": path}))

	ctx := context.Background()
	batch := connector.RowBatch{
		Columns: []string{"a", "b"},
		Rows:    [][]any{{"1", "x"}, {"2", "y"}},
	}

	assert.NoError(t, c.Write(ctx, "out", batch, connector.WriteReplace, nil))

	it, err := c.Read(ctx, "out", nil, 10)
	assert.NoError(t, err)
	defer it.Close()

	got, ok, err := it.Next(ctx)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, len(got.Rows))
	assert.Equal(t, []string{"a", "b"}, got.Columns)
}

func TestLocalFile_MissingPathParamFails(t *testing.T) {
	c := &Connector{}
	assert.Error(t, c.Configure(map[string]any{}))
}
