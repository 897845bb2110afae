package store

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// GenerateTestTorrent creates a torrents row using fake data. Used for testing.
func GenerateTestTorrent() Row {
	var ih InfoHash
	_, _ = rand.Read(ih[:])
	discovered := time.Now().Unix() - int64(rand.Intn(100000))
	return Row{
		ColInfoHash:     ih.Bytes(),
		"name":          fmt.Sprintf("Show.Title.%d.S03E07.720p.WEB.h264-GRP", rand.Intn(1000000)),
		"total_size":    int64(rand.Intn(1<<30) + 1),
		"discovered_on": discovered,
		"modified_on":   discovered,
	}
}

// GenerateTestFiles creates n files rows using fake data. Used for testing.
func GenerateTestFiles(n int) []Row {
	var rows []Row
	for i := 0; i < n; i++ {
		rows = append(rows, Row{
			"size": int64(rand.Intn(1<<20) + 1),
			"path": fmt.Sprintf("Show.Title/part%d.mkv", i),
		})
	}
	return rows
}

// FileValues returns the insert values of a files row owned by torrentID
func FileValues(torrentID int64, row Row, columns []string) []interface{} {
	return append([]interface{}{torrentID}, row.Values(columns)...)
}

func insertTorrent(ctx context.Context, t *testing.T, s Store, tx Tx, cols []string, row Row) int64 {
	if s.Capabilities().ReturningInsert {
		ids, err := tx.InsertTorrents(ctx, cols, [][]interface{}{row.Values(cols)})
		require.NoError(t, err)
		require.Len(t, ids, 1)
		return ids[0]
	}
	id, err := tx.InsertTorrent(ctx, cols, row.Values(cols))
	require.NoError(t, err)
	return id
}

// TestStore tests a Store implementation for conformance to the adapter contract. s must
// hold the torrents and files tables and no rows.
func TestStore(t *testing.T, s Store) {
	ctx := context.Background()
	torrentCols, err := s.Columns(ctx, TorrentsTable, ColID)
	require.NoError(t, err)
	tNames := Names(torrentCols)
	require.Contains(t, tNames, ColInfoHash)
	require.NotContains(t, tNames, ColID)
	fileCols, err := s.Columns(ctx, FilesTable, ColID, ColTorrentID)
	require.NoError(t, err)
	fNames := Names(fileCols)
	require.NotContains(t, fNames, ColTorrentID)
	tNames = Names(FilterColumns(torrentCols, "updated_on", "n_seeders", "n_leechers"))
	fNames = []string{"size", "path"}

	torrentA := GenerateTestTorrent()
	torrentB := GenerateTestTorrent()
	torrentC := GenerateTestTorrent()
	files := GenerateTestFiles(3)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	idA := insertTorrent(ctx, t, s, tx, tNames, torrentA)
	require.Greater(t, idA, int64(0))
	require.Equal(t, int64(0), insertTorrent(ctx, t, s, tx, tNames, torrentA), "[%s] Conflict must be skipped", s.Name())
	var fileRows [][]interface{}
	for _, f := range files {
		fileRows = append(fileRows, FileValues(idA, f, fNames))
	}
	n, err := tx.InsertFiles(ctx, append([]string{ColTorrentID}, fNames...), fileRows)
	require.NoError(t, err)
	require.Equal(t, int64(len(files)), n)

	require.NoError(t, tx.Savepoint(ctx, "conformance"))
	require.Greater(t, insertTorrent(ctx, t, s, tx, tNames, torrentB), int64(0))
	require.NoError(t, tx.RollbackTo(ctx, "conformance"))
	require.NoError(t, tx.Release(ctx, "conformance"))
	idC := insertTorrent(ctx, t, s, tx, tNames, torrentC)
	require.Greater(t, idC, idA)
	require.NoError(t, tx.Commit(ctx))

	count, err := s.CountTorrents(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), count, "[%s] Rolled back torrent must be gone", s.Name())
	stripped, err := s.CountTorrents(ctx, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), stripped)

	cursor := NewTorrentCursor(s, 1, false)
	var seen []Row
	for {
		rows, err := cursor.Next(ctx)
		require.NoError(t, err)
		if len(rows) == 0 {
			break
		}
		seen = append(seen, rows...)
	}
	require.Len(t, seen, 2)
	require.Equal(t, idA, seen[0].ID())
	require.Equal(t, idC, seen[1].ID())
	ih, err := seen[0].InfoHash()
	require.NoError(t, err)
	require.Equal(t, torrentA[ColInfoHash], ih.Bytes())

	withFiles, err := s.TorrentsAfter(ctx, 0, 10, true)
	require.NoError(t, err)
	require.Len(t, withFiles, 1)
	require.Equal(t, idA, withFiles[0].ID())

	first, err := s.FilesAfter(ctx, []int64{idA, idC}, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	rest, err := s.FilesAfter(ctx, []int64{idA, idC}, first[1].ID(), 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, idA, rest[0].Int64(ColTorrentID))
	none, err := s.FilesAfter(ctx, []int64{idC}, 0, 10)
	require.NoError(t, err)
	require.Empty(t, none)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.Greater(t, insertTorrent(ctx, t, s, tx, tNames, torrentB), int64(0))
	require.NoError(t, tx.Rollback(ctx))
	count, err = s.CountTorrents(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), count, "[%s] Rollback must discard the transaction", s.Name())
}

func init() {
	rand.Seed(time.Now().UnixNano())
}
