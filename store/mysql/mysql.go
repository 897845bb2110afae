// Package mysql provides the mysql/mariadb backed store
//
// mysql has no id-returning multi-row insert and no bulk channel the merge can rely on, so
// torrents are inserted one at a time and files with batched multi-row statements.
package mysql

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/leighmacdonald/magmerge/store"
	"github.com/pkg/errors"
)

const (
	driverName  = "mysql"
	defaultPort = 3306
	// maxParams is the placeholder limit of a prepared statement
	maxParams = 65535
)

// idWindow is the number of torrent ids bound in a single files query, the id and limit
// arguments take the remaining two parameters
var idWindow = maxParams - 2

// Store is the mysql backed store.Store implementation
type Store struct {
	db *sqlx.DB
}

// New wraps an open connection pool
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Name returns the driver name
func (s *Store) Name() string {
	return driverName
}

// Kind is always store.ClientServer
func (s *Store) Kind() store.Kind {
	return store.ClientServer
}

// Capabilities reports neither a returning insert nor a bulk channel
func (s *Store) Capabilities() store.Capabilities {
	return store.Capabilities{}
}

// Placeholder returns the positional ? token
func (s *Store) Placeholder(_ int) string {
	return "?"
}

func quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// Columns reads the table layout from information_schema
func (s *Store) Columns(ctx context.Context, table string, exclude ...string) ([]store.Column, error) {
	const q = `
		SELECT
		    column_name AS name, data_type AS type
		FROM
		    information_schema.columns
		WHERE
		    table_schema = DATABASE() AND table_name = ?
		ORDER BY
		    ordinal_position`
	var cols []store.Column
	if err := s.db.SelectContext(ctx, &cols, q, table); err != nil {
		return nil, errors.Wrapf(err, "Failed to read columns of %s", table)
	}
	return store.FilterColumns(cols, exclude...), nil
}

func strippedClause(stripped bool) string {
	if !stripped {
		return ""
	}
	return fmt.Sprintf(" AND EXISTS (SELECT 1 FROM %s f WHERE f.torrent_id = t.id)", quote(store.FilesTable))
}

// CountTorrents returns the number of torrents, only those with files when stripped is set
func (s *Store) CountTorrents(ctx context.Context, stripped bool) (int64, error) {
	var count int64
	q := fmt.Sprintf("SELECT count(*) FROM %s t WHERE 1=1%s", quote(store.TorrentsTable), strippedClause(stripped))
	if err := s.db.GetContext(ctx, &count, q); err != nil {
		return 0, errors.Wrap(err, "Failed to count torrents")
	}
	return count, nil
}

// TorrentsAfter returns the next window of torrents in id order
func (s *Store) TorrentsAfter(ctx context.Context, afterID int64, limit int, stripped bool) ([]store.Row, error) {
	q := fmt.Sprintf("SELECT t.* FROM %s t WHERE t.id > ?%s ORDER BY t.id LIMIT ?",
		quote(store.TorrentsTable), strippedClause(stripped))
	return s.queryRows(ctx, q, afterID, limit)
}

// FilesAfter returns the next window of files of the given torrents in id order
func (s *Store) FilesAfter(ctx context.Context, torrentIDs []int64, afterID int64, limit int) ([]store.Row, error) {
	chunks := store.ChunkIDs(torrentIDs, idWindow)
	var out []store.Row
	for _, ids := range chunks {
		q, args, err := sqlx.In(fmt.Sprintf(
			"SELECT * FROM %s WHERE torrent_id IN (?) AND id > ? ORDER BY id LIMIT ?", quote(store.FilesTable)),
			ids, afterID, limit)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to expand torrent ids")
		}
		rows, err := s.queryRows(ctx, s.db.Rebind(q), args...)
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
	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to query rows")
	}
	defer func() { _ = rows.Close() }()
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read column types")
	}
	var out []store.Row
	for rows.Next() {
		m := make(map[string]interface{}, len(types))
		if err := rows.MapScan(m); err != nil {
			return nil, errors.Wrap(err, "Failed to scan row")
		}
		for _, ct := range types {
			m[ct.Name()] = convert(ct.DatabaseTypeName(), m[ct.Name()])
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "Error iterating rows")
	}
	return out, nil
}

// convert turns the raw bytes the driver returns for text and integer columns into values
// other engines store with the right type
func convert(dbType string, v interface{}) interface{} {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch strings.ToUpper(dbType) {
	case "CHAR", "VARCHAR", "TEXT", "TINYTEXT", "MEDIUMTEXT", "LONGTEXT":
		return string(b)
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "BIGINT":
		if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
			return n
		}
	case "UNSIGNED TINYINT", "UNSIGNED SMALLINT", "UNSIGNED MEDIUMINT", "UNSIGNED INT", "UNSIGNED BIGINT":
		if n, err := strconv.ParseUint(string(b), 10, 64); err == nil {
			return n
		}
	}
	return b
}

// Begin opens the write transaction
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	t, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to begin transaction")
	}
	return &tx{tx: t}, nil
}

// Close will close the underlying connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// DSN builds the go-sql-driver connection string of a parsed mysql:// locator
func DSN(c store.Config) (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(port))
	cfg.DBName = c.DB
	if c.Properties != "" {
		values, err := url.ParseQuery(c.Properties)
		if err != nil {
			return "", errors.Wrapf(err, "Invalid properties: %s", c.Properties)
		}
		cfg.Params = make(map[string]string, len(values))
		for k := range values {
			cfg.Params[k] = values.Get(k)
		}
	}
	return cfg.FormatDSN(), nil
}

type driver struct{}

// Open connects to the mysql server of loc
func (d driver) Open(ctx context.Context, loc store.Locator) (store.Store, error) {
	dsn, err := DSN(loc.Config)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not connect to %s", loc)
	}
	return New(db), nil
}

func init() {
	store.AddDriver(driverName, driver{})
}
