package sqlite

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// schema is the layout magnetico creates for its sqlite database
const schema = `
CREATE TABLE IF NOT EXISTS torrents (
	id             INTEGER PRIMARY KEY,
	info_hash      BLOB NOT NULL UNIQUE,
	name           TEXT NOT NULL,
	total_size     INTEGER NOT NULL CHECK(total_size > 0),
	discovered_on  INTEGER NOT NULL CHECK(discovered_on > 0),
	updated_on     INTEGER CHECK(updated_on > 0) DEFAULT NULL,
	n_seeders      INTEGER CHECK((updated_on IS NOT NULL AND n_seeders >= 0) OR (updated_on IS NULL AND n_seeders IS NULL)) DEFAULT NULL,
	n_leechers     INTEGER CHECK((updated_on IS NOT NULL AND n_leechers >= 0) OR (updated_on IS NULL AND n_leechers IS NULL)) DEFAULT NULL,
	modified_on    INTEGER NOT NULL DEFAULT (strftime('%s', 'now')) CHECK(modified_on >= discovered_on)
);
-- STMT
CREATE INDEX IF NOT EXISTS discovered_on_index ON torrents (discovered_on);
-- STMT
CREATE INDEX IF NOT EXISTS modified_on_index ON torrents (modified_on);
-- STMT
CREATE TABLE IF NOT EXISTS files (
	id          INTEGER PRIMARY KEY,
	torrent_id  INTEGER REFERENCES torrents ON DELETE CASCADE ON UPDATE RESTRICT,
	size        INTEGER NOT NULL,
	path        TEXT NOT NULL,
	is_readme   INTEGER CHECK(is_readme IS NULL OR is_readme = 1) DEFAULT NULL,
	content     TEXT CHECK((content IS NULL AND is_readme IS NULL) OR (content IS NOT NULL AND is_readme = 1)) DEFAULT NULL,
	UNIQUE (torrent_id, is_readme)
);
-- STMT
CREATE INDEX IF NOT EXISTS file_torrent_id_index ON files (torrent_id);
`

// CreateSchema creates the torrents and files tables when they are missing
func (s *Store) CreateSchema(ctx context.Context) error {
	if s.view {
		return errors.New("Cannot create tables through an attached source")
	}
	for _, stmt := range strings.Split(schema, "-- STMT") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "Failed to create sqlite schema")
		}
	}
	return nil
}
