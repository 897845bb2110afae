package store

import (
	"context"
)

type fetchFunc func(ctx context.Context, afterID int64, limit int) ([]Row, error)

// Cursor iterates forward over a table in windows of a fixed size using the id of the last
// row seen, so no server side cursor has to stay open between two fetches.
type Cursor struct {
	fetch     fetchFunc
	batchSize int
	lastID    int64
	done      bool
}

// NewTorrentCursor iterates over the torrents of s in id order
func NewTorrentCursor(s Store, batchSize int, stripped bool) *Cursor {
	return &Cursor{
		batchSize: batchSize,
		fetch: func(ctx context.Context, afterID int64, limit int) ([]Row, error) {
			return s.TorrentsAfter(ctx, afterID, limit, stripped)
		},
	}
}

// NewFileCursor iterates over the files of the torrents with the given ids in id order
func NewFileCursor(s Store, torrentIDs []int64, batchSize int) *Cursor {
	return &Cursor{
		batchSize: batchSize,
		done:      len(torrentIDs) == 0,
		fetch: func(ctx context.Context, afterID int64, limit int) ([]Row, error) {
			return s.FilesAfter(ctx, torrentIDs, afterID, limit)
		},
	}
}

// Next returns the next window of rows, an empty result means the cursor is exhausted
func (c *Cursor) Next(ctx context.Context) ([]Row, error) {
	if c.done {
		return nil, nil
	}
	rows, err := c.fetch(ctx, c.lastID, c.batchSize)
	if err != nil {
		return nil, err
	}
	if len(rows) < c.batchSize {
		c.done = true
	}
	if len(rows) > 0 {
		c.lastID = rows[len(rows)-1].ID()
	}
	return rows, nil
}
