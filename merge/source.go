package merge

import (
	"context"

	"github.com/leighmacdonald/magmerge/store"
	"github.com/pkg/errors"
)

// fileSource is the one pass producer fed to the bulk channel. It pages through the source
// files of the accepted torrents and rewrites torrent_id as each row is handed out, so the
// file set of a batch is never held in memory as a whole.
type fileSource struct {
	ctx      context.Context
	cursor   *store.Cursor
	ids      map[int64]int64
	columns  []store.Column
	names    []string
	sanitize bool
	buf      []store.Row
	cur      store.Row
	done     bool
	err      error
}

func newFileSource(ctx context.Context, src store.Store, ids map[int64]int64, batchSize int,
	columns []store.Column, sanitize bool) *fileSource {
	return &fileSource{
		ctx:      ctx,
		cursor:   store.NewFileCursor(src, sortedKeys(ids), batchSize),
		ids:      ids,
		columns:  columns,
		names:    store.Names(columns),
		sanitize: sanitize,
	}
}

func (f *fileSource) Next() bool {
	for len(f.buf) == 0 {
		if f.done || f.err != nil {
			return false
		}
		rows, err := f.cursor.Next(f.ctx)
		if err != nil {
			f.err = err
			return false
		}
		if len(rows) == 0 {
			f.done = true
			return false
		}
		f.buf = rows
	}
	f.cur, f.buf = f.buf[0], f.buf[1:]
	return true
}

func (f *fileSource) Values() ([]interface{}, error) {
	return fileValues(f.cur, f.ids, f.columns, f.names, f.sanitize)
}

func (f *fileSource) Err() error {
	return f.err
}

// fileValues returns the insert values of a source files row, owned by its mapped target
// torrent
func fileValues(row store.Row, ids map[int64]int64, columns []store.Column, names []string, sanitize bool) ([]interface{}, error) {
	oldID := row.Int64(store.ColTorrentID)
	newID, found := ids[oldID]
	if !found {
		return nil, errors.Errorf("File %d belongs to unmapped torrent %d", row.ID(), oldID)
	}
	values := row.Values(names)
	if sanitize {
		sanitizeValues(columns, values)
	}
	return append([]interface{}{newID}, values...), nil
}
