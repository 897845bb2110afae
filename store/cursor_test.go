package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursor(t *testing.T) {
	var calls []int64
	c := &Cursor{
		batchSize: 2,
		fetch: func(_ context.Context, afterID int64, limit int) ([]Row, error) {
			calls = append(calls, afterID)
			var rows []Row
			for id := afterID + 1; id <= 5 && len(rows) < limit; id++ {
				rows = append(rows, Row{ColID: id})
			}
			return rows, nil
		},
	}
	var ids []int64
	for {
		rows, err := c.Next(context.Background())
		require.NoError(t, err)
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			ids = append(ids, r.ID())
		}
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, ids)
	require.Equal(t, []int64{0, 2, 4}, calls, "a short window ends the iteration")
}

func TestFileCursorNoIDs(t *testing.T) {
	c := NewFileCursor(nil, nil, 10)
	rows, err := c.Next(context.Background())
	require.NoError(t, err)
	require.Empty(t, rows)
}
