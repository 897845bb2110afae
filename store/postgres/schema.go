package postgres

import (
	"context"

	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS torrents
(
    id            SERIAL PRIMARY KEY,
    info_hash     bytea NOT NULL UNIQUE CHECK (octet_length(info_hash) = 20),
    name          TEXT NOT NULL,
    total_size    BIGINT NOT NULL CHECK (total_size > 0),
    discovered_on INTEGER NOT NULL CHECK (discovered_on > 0),
    updated_on    INTEGER CHECK (updated_on > 0) DEFAULT NULL,
    n_seeders     INTEGER DEFAULT NULL,
    n_leechers    INTEGER DEFAULT NULL,
    modified_on   INTEGER NOT NULL DEFAULT extract(epoch FROM now())::integer,
    CONSTRAINT torrents_modified_on_check CHECK (modified_on >= discovered_on)
);

CREATE INDEX IF NOT EXISTS discovered_on_index ON torrents (discovered_on);
CREATE INDEX IF NOT EXISTS modified_on_index ON torrents (modified_on);

CREATE TABLE IF NOT EXISTS files
(
    id         SERIAL PRIMARY KEY,
    torrent_id INTEGER REFERENCES torrents ON DELETE CASCADE ON UPDATE RESTRICT,
    size       BIGINT NOT NULL,
    path       TEXT NOT NULL,
    is_readme  INTEGER CHECK (is_readme IS NULL OR is_readme = 1) DEFAULT NULL,
    content    TEXT DEFAULT NULL,
    CONSTRAINT files_readme_check CHECK ((content IS NULL AND is_readme IS NULL) OR (content IS NOT NULL AND is_readme = 1))
);

CREATE INDEX IF NOT EXISTS file_torrent_id_index ON files (torrent_id);
CREATE UNIQUE INDEX IF NOT EXISTS readme_index ON files (torrent_id, is_readme);
`

const dropSchema = `
DROP TABLE IF EXISTS files;
DROP TABLE IF EXISTS torrents;
`

// CreateSchema creates the torrents and files tables when they are missing
func (s *Store) CreateSchema(ctx context.Context) error {
	// Without arguments pgx uses the simple protocol which accepts several statements
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "Failed to create postgres schema")
	}
	return nil
}
