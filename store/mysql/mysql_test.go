package mysql

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/leighmacdonald/magmerge/consts"
	"github.com/leighmacdonald/magmerge/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, driverName)), mock
}

func TestColumns(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM\\s+information_schema.columns").
		WithArgs(store.FilesTable).
		WillReturnRows(sqlmock.NewRows([]string{"name", "type"}).
			AddRow("id", "int").
			AddRow("torrent_id", "int").
			AddRow("size", "bigint").
			AddRow("path", "text"))
	cols, err := s.Columns(context.Background(), store.FilesTable, store.ColID, store.ColTorrentID)
	require.NoError(t, err)
	require.Equal(t, []store.Column{{Name: "size", Type: "bigint"}, {Name: "path", Type: "text"}}, cols)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTorrentsAfter(t *testing.T) {
	s, mock := newMockStore(t)
	ih := make([]byte, 20)
	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INT", int64(0)),
		sqlmock.NewColumn("info_hash").OfType("BINARY", []byte{}),
		sqlmock.NewColumn("name").OfType("TEXT", []byte{}),
		sqlmock.NewColumn("total_size").OfType("BIGINT", []byte{}),
	).AddRow(int64(4), ih, []byte("Show.Title"), []byte("1024"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT t.* FROM `torrents` t WHERE t.id > ? AND EXISTS")).
		WithArgs(int64(3), 10).
		WillReturnRows(rows)
	got, err := s.TorrentsAfter(context.Background(), 3, 10, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(4), got[0].ID())
	require.Equal(t, "Show.Title", got[0]["name"])
	require.Equal(t, int64(1024), got[0]["total_size"])
	require.Equal(t, ih, got[0][store.ColInfoHash])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFilesAfter(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `files` WHERE torrent_id IN (?, ?) AND id > ? ORDER BY id LIMIT ?")).
		WithArgs(int64(1), int64(2), int64(0), 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "torrent_id", "path"}).AddRow(int64(9), int64(2), "a.mkv"))
	got, err := s.FilesAfter(context.Background(), []int64{1, 2}, 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0].Int64(store.ColTorrentID))
	empty, err := s.FilesAfter(context.Background(), nil, 0, 100)
	require.NoError(t, err)
	require.Empty(t, empty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTorrent(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)
	cols := []string{"info_hash", "name"}
	stmt := regexp.QuoteMeta("INSERT INTO `torrents` (`info_hash`,`name`) VALUES (?,?) ON DUPLICATE KEY UPDATE id = id")
	mock.ExpectBegin()
	mock.ExpectExec(stmt).WithArgs([]byte("a"), "first").WillReturnResult(sqlmock.NewResult(12, 1))
	mock.ExpectExec(stmt).WithArgs([]byte("a"), "first").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(stmt).WithArgs([]byte("b"), "bad").
		WillReturnError(&mysql.MySQLError{Number: errTruncatedWrongValue, Message: "Incorrect string value"})
	mock.ExpectCommit()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	id, err := tx.InsertTorrent(ctx, cols, []interface{}{[]byte("a"), "first"})
	require.NoError(t, err)
	require.Equal(t, int64(12), id)
	id, err = tx.InsertTorrent(ctx, cols, []interface{}{[]byte("a"), "first"})
	require.NoError(t, err)
	require.Equal(t, int64(0), id)
	_, err = tx.InsertTorrent(ctx, cols, []interface{}{[]byte("b"), "bad"})
	require.True(t, errors.Is(err, consts.ErrInvalidText))
	_, err = tx.InsertTorrents(ctx, cols, nil)
	require.Equal(t, consts.ErrUnsupported, err)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFiles(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT `merge_batch`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `files` (`torrent_id`,`path`) VALUES (?,?),(?,?)")).
		WithArgs(int64(1), "a", int64(1), "b").
		WillReturnResult(sqlmock.NewResult(2, 2))
	mock.ExpectExec("RELEASE SAVEPOINT `merge_batch`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Savepoint(ctx, "merge_batch"))
	n, err := tx.InsertFiles(ctx, []string{"torrent_id", "path"}, [][]interface{}{{int64(1), "a"}, {int64(1), "b"}})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.NoError(t, tx.Release(ctx, "merge_batch"))
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDSN(t *testing.T) {
	dsn, err := DSN(store.Config{Host: "db", Username: "magnetico", Password: "pw", DB: "magnetico", Properties: "charset=utf8mb4"})
	require.NoError(t, err)
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	require.Equal(t, "db:3306", cfg.Addr)
	require.Equal(t, "magnetico", cfg.User)
	require.Equal(t, "pw", cfg.Passwd)
	require.Equal(t, "magnetico", cfg.DBName)
	require.Equal(t, "utf8mb4", cfg.Params["charset"])
}

func TestConvert(t *testing.T) {
	require.Equal(t, "x", convert("VARCHAR", []byte("x")))
	require.Equal(t, int64(-3), convert("INT", []byte("-3")))
	require.Equal(t, []byte{0}, convert("BINARY", []byte{0}))
	require.Equal(t, int64(5), convert("INT", int64(5)))
}

func TestCreateSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("create table if not exists torrents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists files").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.CreateSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFilesAfterWindows(t *testing.T) {
	defer func(w int) { idWindow = w }(idWindow)
	idWindow = 2
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE torrent_id IN (?, ?) AND id > ?")).
		WithArgs(int64(1), int64(2), int64(0), 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "torrent_id"}).AddRow(int64(5), int64(1)).AddRow(int64(9), int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE torrent_id IN (?) AND id > ?")).
		WithArgs(int64(3), int64(0), 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "torrent_id"}).AddRow(int64(7), int64(3)))
	got, err := s.FilesAfter(context.Background(), []int64{1, 2, 3}, 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(5), got[0].ID())
	require.Equal(t, int64(7), got[1].ID())
	require.NoError(t, mock.ExpectationsWereMet())
}
