package merge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/leighmacdonald/magmerge/consts"
	"github.com/leighmacdonald/magmerge/store"
	"github.com/leighmacdonald/magmerge/store/memory"
	"github.com/leighmacdonald/magmerge/store/sqlite"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var torrentCols = []string{store.ColInfoHash, "name", "total_size", "discovered_on", "modified_on"}

type seeded struct {
	torrent store.Row
	files   []store.Row
}

func seed(t *testing.T, s store.Store, torrents ...seeded) []int64 {
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, st := range torrents {
		id, err := tx.InsertTorrent(ctx, torrentCols, st.torrent.Values(torrentCols))
		require.NoError(t, err)
		require.Greater(t, id, int64(0))
		ids = append(ids, id)
		var rows [][]interface{}
		for _, f := range st.files {
			rows = append(rows, store.FileValues(id, f, []string{"size", "path"}))
		}
		if len(rows) > 0 {
			_, err = tx.InsertFiles(ctx, []string{store.ColTorrentID, "size", "path"}, rows)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tx.Commit(ctx))
	return ids
}

func newSQLite(t *testing.T) (*sqlite.Store, store.Locator) {
	path := filepath.Join(t.TempDir(), "database.sqlite3")
	s, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.CreateSchema(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	loc, err := store.ParseLocator(path)
	require.NoError(t, err)
	return s, loc
}

func allRows(t *testing.T, s store.Store) ([]store.Row, []store.Row) {
	ctx := context.Background()
	torrents, err := s.TorrentsAfter(ctx, 0, 1<<20, false)
	require.NoError(t, err)
	var ids []int64
	for _, r := range torrents {
		ids = append(ids, r.ID())
	}
	files, err := s.FilesAfter(ctx, ids, 0, 1<<20)
	require.NoError(t, err)
	return torrents, files
}

func filesOf(files []store.Row, torrentID int64) []store.Row {
	var out []store.Row
	for _, f := range files {
		if f.Int64(store.ColTorrentID) == torrentID {
			out = append(out, f)
		}
	}
	return out
}

func torrentByHash(t *testing.T, torrents []store.Row, hash interface{}) store.Row {
	for _, r := range torrents {
		ih, err := r.InfoHash()
		require.NoError(t, err)
		if string(ih.Bytes()) == string(hash.([]byte)) {
			return r
		}
	}
	t.Fatalf("torrent %x not found", hash)
	return nil
}

// pairing builds a target and a source, the target is returned for inspection
type pairing func(t *testing.T) (pair *store.Pair, target store.Store, source store.Store)

func pairings() map[string]pairing {
	sqliteSource := func(t *testing.T) store.Store {
		s, _ := newSQLite(t)
		return s
	}
	memoryTarget := func(caps store.Capabilities) pairing {
		return func(t *testing.T) (*store.Pair, store.Store, store.Store) {
			opts := memory.DefaultOptions(t.Name())
			opts.Capabilities = caps
			target := memory.New(opts)
			source := sqliteSource(t)
			return &store.Pair{Target: target, Source: source}, target, source
		}
	}
	return map[string]pairing{
		"shared storage": func(t *testing.T) (*store.Pair, store.Store, store.Store) {
			target, targetLoc := newSQLite(t)
			source, sourceLoc := newSQLite(t)
			pair, err := store.OpenPair(context.Background(), targetLoc, sourceLoc)
			require.NoError(t, err)
			require.True(t, pair.Shared)
			t.Cleanup(func() { _ = pair.Close() })
			// Seeding goes through the stores owning the files, the pair reads them back
			return pair, target, source
		},
		"bulk copy":      memoryTarget(store.Capabilities{ReturningInsert: true, BulkCopy: true}),
		"batched insert": memoryTarget(store.Capabilities{ReturningInsert: true}),
		"row at a time":  memoryTarget(store.Capabilities{}),
		"embedded target": func(t *testing.T) (*store.Pair, store.Store, store.Store) {
			target, _ := newSQLite(t)
			source := memory.New(memory.DefaultOptions(t.Name()))
			return &store.Pair{Target: target, Source: source}, target, source
		},
	}
}

func TestScenario(t *testing.T) {
	for name, build := range pairings() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			pair, target, source := build(t)
			torrentA := seeded{torrent: store.GenerateTestTorrent(), files: store.GenerateTestFiles(2)}
			torrentB := seeded{torrent: store.GenerateTestTorrent(), files: store.GenerateTestFiles(3)}
			targetB := seeded{torrent: torrentB.torrent, files: store.GenerateTestFiles(1)}
			// Occupy the first target id so A has to be remapped
			seed(t, target, seeded{torrent: store.GenerateTestTorrent()}, targetB)
			sourceIDs := seed(t, source, torrentA, torrentB)

			reporter := &recordingReporter{}
			opts := DefaultOptions()
			opts.Reporter = reporter
			res, err := New(pair, opts).Run(ctx)
			require.NoError(t, err)
			require.Equal(t, Stats{Processed: 2, Inserted: 1, Failed: 1}, res.Stats)
			require.Equal(t, int64(2), res.Total)
			require.Equal(t, int64(2), res.Files)
			require.Equal(t, sourceIDs[1], res.LastID)

			torrents, files := allRows(t, target)
			require.Len(t, torrents, 3)
			a := torrentByHash(t, torrents, torrentA.torrent[store.ColInfoHash])
			require.NotEqual(t, sourceIDs[0], a.ID())
			require.Len(t, filesOf(files, a.ID()), 2)
			b := torrentByHash(t, torrents, torrentB.torrent[store.ColInfoHash])
			require.Len(t, filesOf(files, b.ID()), 1, "a rejected torrent contributes no files")
			require.Len(t, files, 3)

			require.Equal(t, []int64{2}, reporter.starts)
			require.Equal(t, res, reporter.finish)
		})
	}
}

func TestIdempotent(t *testing.T) {
	for name, build := range pairings() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			pair, target, source := build(t)
			var torrents []seeded
			for i := 0; i < 25; i++ {
				torrents = append(torrents, seeded{torrent: store.GenerateTestTorrent(), files: store.GenerateTestFiles(i % 4)})
			}
			seed(t, source, torrents...)
			opts := DefaultOptions()
			opts.BatchSize = 10
			first, err := New(pair, opts).Run(ctx)
			require.NoError(t, err)
			require.Equal(t, Stats{Processed: 25, Inserted: 25}, first.Stats)
			require.Equal(t, int64(36), first.Files)
			_, filesBefore := allRows(t, target)
			require.Len(t, filesBefore, 36)

			second, err := New(pair, opts).Run(ctx)
			require.NoError(t, err)
			require.Equal(t, Stats{Processed: 25, Failed: 25}, second.Stats)
			require.Equal(t, int64(0), second.Files)
			torrentsAfter, filesAfter := allRows(t, target)
			require.Len(t, torrentsAfter, 25)
			require.Len(t, filesAfter, 36)
		})
	}
}

type recordingReporter struct {
	starts []int64
	deltas []Stats
	finish Result
}

func (r *recordingReporter) Start(total int64) { r.starts = append(r.starts, total) }
func (r *recordingReporter) Update(d Stats) { r.deltas = append(r.deltas, d) }
func (r *recordingReporter) Finish(res Result) { r.finish = res }

func TestCountInvariant(t *testing.T) {
	ctx := context.Background()
	source := memory.New(memory.DefaultOptions(t.Name() + "source"))
	target := memory.New(memory.DefaultOptions(t.Name() + "target"))
	var all []seeded
	for i := 0; i < 23; i++ {
		all = append(all, seeded{torrent: store.GenerateTestTorrent(), files: store.GenerateTestFiles(1)})
	}
	seed(t, source, all...)
	seed(t, target, all[3], all[9], all[17])
	reporter := &recordingReporter{}
	res, err := New(&store.Pair{Target: target, Source: source}, Options{BatchSize: 5, Reporter: reporter}).Run(ctx)
	require.NoError(t, err)
	require.Len(t, reporter.deltas, 5)
	var sum Stats
	for _, d := range reporter.deltas {
		require.Equal(t, d.Processed, d.Inserted+d.Failed)
		sum.add(d)
	}
	require.Equal(t, res.Stats, sum)
	require.Equal(t, Stats{Processed: 23, Inserted: 20, Failed: 3}, res.Stats)
}

func TestNullByteSanitization(t *testing.T) {
	ctx := context.Background()
	source, _ := newSQLite(t)
	target := memory.New(memory.DefaultOptions(t.Name()))
	bad := store.GenerateTestTorrent()
	bad["name"] = "bad\x00name\xff"
	good := store.GenerateTestTorrent()
	files := []store.Row{{"size": int64(10), "path": "dir/\x00file"}}
	seed(t, source, seeded{torrent: good}, seeded{torrent: bad, files: files})

	res, err := New(&store.Pair{Target: target, Source: source}, DefaultOptions()).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Processed: 2, Inserted: 2}, res.Stats)
	torrents, merged := allRows(t, target)
	row := torrentByHash(t, torrents, bad[store.ColInfoHash])
	require.Equal(t, "badname\uFFFD", row["name"])
	require.Len(t, merged, 1)
	require.Equal(t, "dir/file", merged[0]["path"])
}

func TestStrippedFiles(t *testing.T) {
	ctx := context.Background()
	source, _ := newSQLite(t)
	target := memory.New(memory.DefaultOptions(t.Name()))
	ids := seed(t, source,
		seeded{torrent: store.GenerateTestTorrent(), files: store.GenerateTestFiles(1)},
		seeded{torrent: store.GenerateTestTorrent(), files: store.GenerateTestFiles(2)},
		seeded{torrent: store.GenerateTestTorrent()},
	)
	opts := DefaultOptions()
	opts.StrippedFiles = true
	res, err := New(&store.Pair{Target: target, Source: source}, opts).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Total)
	require.Equal(t, Stats{Processed: 2, Inserted: 2}, res.Stats)
	require.Equal(t, ids[1], res.LastID)
	require.Len(t, res.LastHash, 40)
	require.Contains(t, res.PurgeHint(), "torrent_id <=")
}

func TestFastModeSymmetry(t *testing.T) {
	ctx := context.Background()
	source, _ := newSQLite(t)
	target := memory.New(memory.DefaultOptions(t.Name()))
	seed(t, source, seeded{torrent: store.GenerateTestTorrent(), files: store.GenerateTestFiles(3)})
	before := target.Indices()
	opts := DefaultOptions()
	opts.Fast = true
	res, err := New(&store.Pair{Target: target, Source: source}, opts).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Inserted)
	require.ElementsMatch(t, before, target.Indices())
}

// failingStore hands out the transactions of its memory store wrapped by wrap
type failingStore struct {
	*memory.Store
	wrap func(store.Tx) store.Tx
}

func (f failingStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return f.wrap(tx), nil
}

type failingTx struct {
	store.Tx
}

func (failingTx) CopyFiles(_ context.Context, _ []string, _ store.RowSource) (int64, error) {
	return 0, errors.New("connection reset")
}

// invalidTextTx refuses every torrent batch like a server refusing a text value
type invalidTextTx struct {
	store.Tx
	calls *int
}

func (i invalidTextTx) InsertTorrents(_ context.Context, _ []string, _ [][]interface{}) ([]int64, error) {
	*i.calls++
	return nil, errors.Wrap(consts.ErrInvalidText, "invalid byte sequence for encoding \"UTF8\": 0x00")
}

func TestRollbackOnError(t *testing.T) {
	ctx := context.Background()
	source, _ := newSQLite(t)
	target := memory.New(memory.DefaultOptions(t.Name()))
	seed(t, source,
		seeded{torrent: store.GenerateTestTorrent()},
		seeded{torrent: store.GenerateTestTorrent(), files: store.GenerateTestFiles(1)},
	)
	before := target.Indices()
	opts := DefaultOptions()
	opts.Fast = true
	failing := failingStore{Store: target, wrap: func(tx store.Tx) store.Tx { return failingTx{tx} }}
	_, err := New(&store.Pair{Target: failing, Source: source}, opts).Run(ctx)
	require.Error(t, err)
	count, err := target.CountTorrents(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(0), count, "nothing is committed on failure")
	require.ElementsMatch(t, before, target.Indices(), "suspended indices are restored after a rollback")
}

func TestSanitizedRetryOnce(t *testing.T) {
	ctx := context.Background()
	source, _ := newSQLite(t)
	target := memory.New(memory.DefaultOptions(t.Name()))
	seed(t, source, seeded{torrent: store.GenerateTestTorrent(), files: store.GenerateTestFiles(1)})
	calls := 0
	failing := failingStore{Store: target, wrap: func(tx store.Tx) store.Tx { return invalidTextTx{Tx: tx, calls: &calls} }}
	reporter := &recordingReporter{}
	opts := DefaultOptions()
	opts.Reporter = reporter
	_, err := New(&store.Pair{Target: failing, Source: source}, opts).Run(ctx)
	require.True(t, errors.Is(err, consts.ErrInvalidText), "got %v", err)
	require.Equal(t, 2, calls, "a refused batch is retried sanitized exactly once")
	require.Empty(t, reporter.deltas)
	count, err := target.CountTorrents(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(0), count, "nothing is committed on failure")
	tx, err := target.Begin(ctx)
	require.NoError(t, err, "the run transaction is closed")
	require.NoError(t, tx.Rollback(ctx))
}

func TestBatchLargerThanParamLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping large batch test in short mode")
	}
	ctx := context.Background()
	source, _ := newSQLite(t)
	target := memory.New(memory.DefaultOptions(t.Name()))
	const total = 33000
	torrents := make([]seeded, total)
	for i := range torrents {
		torrents[i] = seeded{torrent: store.GenerateTestTorrent()}
		if i%1000 == 0 || i == total-1 {
			torrents[i].files = store.GenerateTestFiles(1)
		}
	}
	seed(t, source, torrents...)
	opts := DefaultOptions()
	opts.BatchSize = 40000
	res, err := New(&store.Pair{Target: target, Source: source}, opts).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Processed: total, Inserted: total}, res.Stats)
	require.Equal(t, int64(34), res.Files)
	withFiles, err := target.CountTorrents(ctx, true)
	require.NoError(t, err)
	require.Equal(t, int64(34), withFiles)
}

func TestSanitizeValues(t *testing.T) {
	cols := []store.Column{{Name: "name", Type: "TEXT"}, {Name: "info_hash", Type: "BLOB"}, {Name: "path", Type: "varchar(255)"}}
	values := []interface{}{"a\x00b", []byte{0, 1}, []byte("c\x00")}
	sanitizeValues(cols, values)
	require.Equal(t, []interface{}{"ab", []byte{0, 1}, "c"}, values)
}
