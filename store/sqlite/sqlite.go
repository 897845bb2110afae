// Package sqlite provides the embedded engine store backed by a single sqlite file.
//
// The store pins one connection for its whole life. ATTACH is per connection and a shared
// source must be read through the very connection holding the write transaction, so
// transactions are driven with plain BEGIN/COMMIT statements on that connection.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/leighmacdonald/magmerge/consts"
	"github.com/leighmacdonald/magmerge/store"
	// imported for side-effects
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	driverName = "sqlite"
	mainSchema = "main"
	// attachedSchema is the name a shared source is attached under
	attachedSchema = "merged"
	// maxParams is SQLITE_MAX_VARIABLE_NUMBER of the bundled sqlite
	maxParams = 32766
)

var pragmas = []string{
	"PRAGMA busy_timeout = 5000",
}

// Store is the sqlite backed store.Store implementation
type Store struct {
	db     *sqlx.DB
	conn   *sqlx.Conn
	path   string
	schema string
	// attached is the schema name of a source attached to this store
	attached string
	// view is true for a source read through another store's connection
	view bool
}

// Open opens the sqlite file at path and pins a connection
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open sqlite database %s", path)
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Connx(ctx)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "Failed to connect to sqlite database %s", path)
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			_ = db.Close()
			return nil, errors.Wrapf(err, "Failed to apply %q", pragma)
		}
	}
	return &Store{db: db, conn: conn, path: path, schema: mainSchema}, nil
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (s *Store) table(name string) string {
	return quote(s.schema) + "." + quote(name)
}

// Name returns the driver name
func (s *Store) Name() string {
	return driverName
}

// Kind is always store.Embedded
func (s *Store) Kind() store.Kind {
	return store.Embedded
}

// Capabilities reports no batched returning insert and no bulk channel
func (s *Store) Capabilities() store.Capabilities {
	return store.Capabilities{}
}

// Placeholder returns the positional ? token
func (s *Store) Placeholder(_ int) string {
	return "?"
}

type tableInfo struct {
	CID     int            `db:"cid"`
	Name    string         `db:"name"`
	Type    string         `db:"type"`
	NotNull int            `db:"notnull"`
	Default sql.NullString `db:"dflt_value"`
	PK      int            `db:"pk"`
}

// Columns reads the table layout with PRAGMA table_info
func (s *Store) Columns(ctx context.Context, table string, exclude ...string) ([]store.Column, error) {
	var info []tableInfo
	q := fmt.Sprintf("PRAGMA %s.table_info(%s)", quote(s.schema), quote(table))
	if err := s.conn.SelectContext(ctx, &info, q); err != nil {
		return nil, errors.Wrapf(err, "Failed to read columns of %s", table)
	}
	cols := make([]store.Column, 0, len(info))
	for _, i := range info {
		cols = append(cols, store.Column{Name: i.Name, Type: i.Type})
	}
	return store.FilterColumns(cols, exclude...), nil
}

func (s *Store) strippedClause(stripped bool) string {
	if !stripped {
		return ""
	}
	return fmt.Sprintf(" AND EXISTS (SELECT 1 FROM %s f WHERE f.torrent_id = t.id)", s.table(store.FilesTable))
}

// CountTorrents returns the number of torrents, only those with files when stripped is set
func (s *Store) CountTorrents(ctx context.Context, stripped bool) (int64, error) {
	var count int64
	q := fmt.Sprintf("SELECT count(*) FROM %s t WHERE 1=1%s", s.table(store.TorrentsTable), s.strippedClause(stripped))
	if err := s.conn.GetContext(ctx, &count, q); err != nil {
		return 0, errors.Wrap(err, "Failed to count torrents")
	}
	return count, nil
}

// TorrentsAfter returns the next window of torrents in id order
func (s *Store) TorrentsAfter(ctx context.Context, afterID int64, limit int, stripped bool) ([]store.Row, error) {
	q := fmt.Sprintf("SELECT t.* FROM %s t WHERE t.id > ?%s ORDER BY t.id LIMIT ?",
		s.table(store.TorrentsTable), s.strippedClause(stripped))
	return s.queryRows(ctx, q, afterID, limit)
}

// FilesAfter returns the next window of files of the given torrents in id order
func (s *Store) FilesAfter(ctx context.Context, torrentIDs []int64, afterID int64, limit int) ([]store.Row, error) {
	chunks := store.ChunkIDs(torrentIDs, maxParams-2)
	var out []store.Row
	for _, ids := range chunks {
		q, args, err := sqlx.In(fmt.Sprintf(
			"SELECT * FROM %s WHERE torrent_id IN (?) AND id > ? ORDER BY id LIMIT ?", s.table(store.FilesTable)),
			ids, afterID, limit)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to expand torrent ids")
		}
		rows, err := s.queryRows(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	if len(chunks) == 1 {
		return out, nil
	}
	return store.FirstByID(out, limit), nil
}

func (s *Store) queryRows(ctx context.Context, q string, args ...interface{}) ([]store.Row, error) {
	rows, err := s.conn.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to query rows")
	}
	defer func() { _ = rows.Close() }()
	var out []store.Row
	for rows.Next() {
		m := make(map[string]interface{})
		if err := rows.MapScan(m); err != nil {
			return nil, errors.Wrap(err, "Failed to scan row")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "Error iterating rows")
	}
	return out, nil
}

// Attach exposes another sqlite file through this store's connection. The returned store is
// read only and must be closed before this one.
func (s *Store) Attach(ctx context.Context, loc store.Locator) (store.Store, error) {
	if s.view {
		return nil, consts.ErrUnsupported
	}
	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("ATTACH DATABASE ? AS %s", quote(attachedSchema)), loc.Path); err != nil {
		return nil, errors.Wrapf(err, "Failed to attach %s", loc.Path)
	}
	s.attached = attachedSchema
	return &Store{db: s.db, conn: s.conn, path: loc.Path, schema: attachedSchema, view: true}, nil
}

// Begin starts the write transaction on the pinned connection
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if s.view {
		return nil, errors.Wrap(consts.ErrUnsupported, "attached sources are read only")
	}
	if _, err := s.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return nil, errors.Wrap(err, "Failed to begin transaction")
	}
	return &tx{s: s}, nil
}

// Close detaches a shared source, or closes the connection of a regular store
func (s *Store) Close() error {
	if s.view {
		if _, err := s.conn.ExecContext(context.Background(), fmt.Sprintf("DETACH DATABASE %s", quote(s.schema))); err != nil {
			log.Debugf("Failed to detach %s: %v", s.path, err)
		}
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return errors.Wrap(err, "Failed to release connection")
	}
	return s.db.Close()
}

type tx struct {
	s *Store
}

func (t *tx) exec(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	return t.s.conn.ExecContext(ctx, q, args...)
}

// InsertTorrent inserts one torrent, a conflicting info_hash leaves the table untouched and
// returns 0
func (t *tx) InsertTorrent(ctx context.Context, columns []string, values []interface{}) (int64, error) {
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT DO NOTHING",
		t.s.table(store.TorrentsTable), store.QuoteList(quote, columns), store.ValuesList(t.s, 1, len(columns), 0))
	res, err := t.exec(ctx, q, values...)
	if err != nil {
		return 0, errors.Wrap(err, "Failed to insert torrent")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "Failed to read affected rows")
	}
	if affected == 0 {
		return 0, nil
	}
	return res.LastInsertId()
}

func (t *tx) InsertTorrents(_ context.Context, _ []string, _ [][]interface{}) ([]int64, error) {
	return nil, consts.ErrUnsupported
}

// InsertFiles inserts file rows with multi-row statements
func (t *tx) InsertFiles(ctx context.Context, columns []string, rows [][]interface{}) (int64, error) {
	var total int64
	for _, chunk := range store.Chunk(rows, len(columns), maxParams) {
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT DO NOTHING",
			t.s.table(store.FilesTable), store.QuoteList(quote, columns), store.ValuesList(t.s, len(chunk), len(columns), 0))
		res, err := t.exec(ctx, q, store.Flatten(chunk)...)
		if err != nil {
			return total, errors.Wrap(err, "Failed to insert files")
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (t *tx) CopyFiles(_ context.Context, _ []string, _ store.RowSource) (int64, error) {
	return 0, consts.ErrUnsupported
}

// MergeFiles copies the files of oldID from the attached source with one INSERT ... SELECT
func (t *tx) MergeFiles(ctx context.Context, columns []string, oldID int64, newID int64) (int64, error) {
	if t.s.attached == "" {
		return 0, errors.Wrap(consts.ErrUnsupported, "no attached source")
	}
	cols := store.QuoteList(quote, columns)
	sep := ""
	if cols != "" {
		sep = ","
	}
	q := fmt.Sprintf("INSERT INTO %s (torrent_id%s%s) SELECT ?%s%s FROM %s.%s WHERE torrent_id = ?",
		t.s.table(store.FilesTable), sep, cols, sep, cols, quote(t.s.attached), quote(store.FilesTable))
	res, err := t.exec(ctx, q, newID, oldID)
	if err != nil {
		return 0, errors.Wrapf(err, "Failed to merge files of torrent %d", oldID)
	}
	return res.RowsAffected()
}

func (t *tx) Savepoint(ctx context.Context, name string) error {
	_, err := t.exec(ctx, "SAVEPOINT "+quote(name))
	return errors.Wrapf(err, "Failed to create savepoint %s", name)
}

func (t *tx) RollbackTo(ctx context.Context, name string) error {
	_, err := t.exec(ctx, "ROLLBACK TO SAVEPOINT "+quote(name))
	return errors.Wrapf(err, "Failed to roll back to savepoint %s", name)
}

func (t *tx) Release(ctx context.Context, name string) error {
	_, err := t.exec(ctx, "RELEASE SAVEPOINT "+quote(name))
	return errors.Wrapf(err, "Failed to release savepoint %s", name)
}

func (t *tx) Commit(ctx context.Context) error {
	_, err := t.exec(ctx, "COMMIT")
	return errors.Wrap(err, "Failed to commit")
}

func (t *tx) Rollback(ctx context.Context) error {
	_, err := t.exec(ctx, "ROLLBACK")
	return errors.Wrap(err, "Failed to roll back")
}

type driver struct{}

// Open opens the sqlite file of loc
func (d driver) Open(ctx context.Context, loc store.Locator) (store.Store, error) {
	return Open(ctx, loc.Path)
}

func init() {
	store.AddDriver(driverName, driver{})
}
