// Package postgres provides the client/server store backed by postgresql.
//
// Torrent batches are inserted with a single id-returning statement and file rows are
// streamed through COPY. Fast mode support lives in suspend.go.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/leighmacdonald/magmerge/consts"
	"github.com/leighmacdonald/magmerge/store"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	driverName = "postgres"
	// maxParams is the bind parameter limit of the wire protocol
	maxParams = 65535
)

// SQLSTATE codes of text values the server refuses
const (
	codeCharacterNotInRepertoire = "22021"
	codeUntranslatableCharacter  = "22P05"
)

// Store is the postgres backed store.Store implementation
type Store struct {
	db *pgx.Conn
}

// New wraps an open connection
func New(db *pgx.Conn) *Store {
	return &Store{db: db}
}

// Conn returns the underlying connection
func (s *Store) Conn() *pgx.Conn {
	return s.db
}

// Name returns the driver name
func (s *Store) Name() string {
	return driverName
}

// Kind is always store.ClientServer
func (s *Store) Kind() store.Kind {
	return store.ClientServer
}

// Capabilities reports both the id-returning batch insert and the COPY channel
func (s *Store) Capabilities() store.Capabilities {
	return store.Capabilities{ReturningInsert: true, BulkCopy: true}
}

// Placeholder returns the numbered $n token
func (s *Store) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

// Columns reads the table layout from information_schema
func (s *Store) Columns(ctx context.Context, table string, exclude ...string) ([]store.Column, error) {
	const q = `
		SELECT
		    column_name, data_type
		FROM
		    information_schema.columns
		WHERE
		    table_schema = current_schema() AND table_name = $1
		ORDER BY
		    ordinal_position`
	rows, err := s.db.Query(ctx, q, table)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read columns of %s", table)
	}
	defer rows.Close()
	var cols []store.Column
	for rows.Next() {
		var c store.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, errors.Wrap(err, "Failed to scan column")
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "Error iterating columns")
	}
	return store.FilterColumns(cols, exclude...), nil
}

func strippedClause(stripped bool) string {
	if !stripped {
		return ""
	}
	return " AND EXISTS (SELECT 1 FROM files f WHERE f.torrent_id = t.id)"
}

// CountTorrents returns the number of torrents, only those with files when stripped is set
func (s *Store) CountTorrents(ctx context.Context, stripped bool) (int64, error) {
	var count int64
	q := "SELECT count(*) FROM torrents t WHERE true" + strippedClause(stripped)
	if err := s.db.QueryRow(ctx, q).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "Failed to count torrents")
	}
	return count, nil
}

// TorrentsAfter returns the next window of torrents in id order
func (s *Store) TorrentsAfter(ctx context.Context, afterID int64, limit int, stripped bool) ([]store.Row, error) {
	q := fmt.Sprintf("SELECT t.* FROM torrents t WHERE t.id > $1%s ORDER BY t.id LIMIT $2", strippedClause(stripped))
	return queryRows(ctx, s.db, q, afterID, limit)
}

// FilesAfter returns the next window of files of the given torrents in id order
func (s *Store) FilesAfter(ctx context.Context, torrentIDs []int64, afterID int64, limit int) ([]store.Row, error) {
	if len(torrentIDs) == 0 {
		return nil, nil
	}
	const q = `SELECT * FROM files WHERE torrent_id = ANY($1) AND id > $2 ORDER BY id LIMIT $3`
	return queryRows(ctx, s.db, q, torrentIDs, afterID, limit)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func queryRows(ctx context.Context, db querier, q string, args ...interface{}) ([]store.Row, error) {
	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to query rows")
	}
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out []store.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, "Failed to read row values")
		}
		r := make(store.Row, len(fields))
		for i, f := range fields {
			r[string(f.Name)] = values[i]
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "Error iterating rows")
	}
	return out, nil
}

// Begin opens the write transaction
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	t, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to begin transaction")
	}
	return &tx{tx: t}, nil
}

// Close will close the underlying database connection
func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

// mapError reports the text values the server refuses as consts.ErrInvalidText
func mapError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeCharacterNotInRepertoire, codeUntranslatableCharacter:
			return errors.Wrapf(consts.ErrInvalidText, "%s: %s", msg, pgErr.Message)
		}
	}
	return errors.Wrap(err, msg)
}

type tx struct {
	tx pgx.Tx
}

func insertStatement(table string, columns []string, nRows int, suffix string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT DO NOTHING%s",
		quote(table), store.QuoteList(quote, columns), store.ValuesList(&Store{}, nRows, len(columns), 0), suffix)
}

// InsertTorrent inserts one torrent, 0 is returned on a info_hash conflict
func (t *tx) InsertTorrent(ctx context.Context, columns []string, values []interface{}) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, insertStatement(store.TorrentsTable, columns, 1, " RETURNING id"), values...).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, mapError(err, "Failed to insert torrent")
	}
	return id, nil
}

// hashKey returns a comparable form of an info_hash value
func hashKey(v interface{}) (string, bool) {
	switch h := v.(type) {
	case []byte:
		return string(h), true
	case string:
		return h, true
	case store.InfoHash:
		return string(h.Bytes()), true
	default:
		return "", false
	}
}

// InsertTorrents inserts the batch with one statement per parameter window. The returned ids
// are matched to the input by info_hash, RETURNING gives no guarantee on row order and skips
// rejected rows.
func (t *tx) InsertTorrents(ctx context.Context, columns []string, rows [][]interface{}) ([]int64, error) {
	hashIdx := -1
	for i, c := range columns {
		if c == store.ColInfoHash {
			hashIdx = i
		}
	}
	if hashIdx < 0 {
		return nil, errors.New("info_hash column is required to map returned ids")
	}
	ids := make([]int64, 0, len(rows))
	for _, chunk := range store.Chunk(rows, len(columns), maxParams) {
		q := insertStatement(store.TorrentsTable, columns, len(chunk), " RETURNING id, info_hash")
		res, err := t.tx.Query(ctx, q, store.Flatten(chunk)...)
		if err != nil {
			return nil, mapError(err, "Failed to insert torrents")
		}
		accepted := make(map[string]int64, len(chunk))
		for res.Next() {
			var id int64
			var ih []byte
			if err := res.Scan(&id, &ih); err != nil {
				res.Close()
				return nil, errors.Wrap(err, "Failed to scan returned id")
			}
			accepted[string(ih)] = id
		}
		res.Close()
		if err := res.Err(); err != nil {
			return nil, mapError(err, "Failed to insert torrents")
		}
		for _, values := range chunk {
			key, ok := hashKey(values[hashIdx])
			id := accepted[key]
			if ok && id > 0 {
				// A hash repeated inside the batch is only accepted once
				delete(accepted, key)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// InsertFiles inserts file rows with multi-row statements
func (t *tx) InsertFiles(ctx context.Context, columns []string, rows [][]interface{}) (int64, error) {
	var total int64
	for _, chunk := range store.Chunk(rows, len(columns), maxParams) {
		tag, err := t.tx.Exec(ctx, insertStatement(store.FilesTable, columns, len(chunk), ""), store.Flatten(chunk)...)
		if err != nil {
			return total, mapError(err, "Failed to insert files")
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// CopyFiles streams src into the files table with COPY
func (t *tx) CopyFiles(ctx context.Context, columns []string, src store.RowSource) (int64, error) {
	n, err := t.tx.CopyFrom(ctx, pgx.Identifier{store.FilesTable}, columns, src)
	if err != nil {
		return n, mapError(err, "Failed to copy files")
	}
	log.Debugf("Copied %d files", n)
	return n, nil
}

func (t *tx) MergeFiles(_ context.Context, _ []string, _ int64, _ int64) (int64, error) {
	return 0, consts.ErrUnsupported
}

func (t *tx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "SAVEPOINT "+quote(name))
	return errors.Wrapf(err, "Failed to create savepoint %s", name)
}

func (t *tx) RollbackTo(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+quote(name))
	return errors.Wrapf(err, "Failed to roll back to savepoint %s", name)
}

func (t *tx) Release(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+quote(name))
	return errors.Wrapf(err, "Failed to release savepoint %s", name)
}

func (t *tx) Commit(ctx context.Context) error {
	return errors.Wrap(t.tx.Commit(ctx), "Failed to commit")
}

func (t *tx) Rollback(ctx context.Context) error {
	return errors.Wrap(t.tx.Rollback(ctx), "Failed to roll back")
}

type driver struct{}

// Open connects to the postgres server of loc
func (d driver) Open(ctx context.Context, loc store.Locator) (store.Store, error) {
	db, err := pgx.Connect(ctx, loc.Config.DSN())
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to connect to %s", loc)
	}
	return New(db), nil
}

func init() {
	store.AddDriver(driverName, driver{})
}
