package mysql

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

const schema = `
create table if not exists torrents
(
	id int unsigned auto_increment
		primary key,
	info_hash binary(20) not null,
	name text not null,
	total_size bigint unsigned not null,
	discovered_on int unsigned not null,
	updated_on int unsigned default null,
	n_seeders int unsigned default null,
	n_leechers int unsigned default null,
	modified_on int unsigned not null,
	constraint torrents_info_hash_key
		unique (info_hash),
	index discovered_on_index (discovered_on),
	index modified_on_index (modified_on)
) character set utf8mb4;
-- STMT
create table if not exists files
(
	id int unsigned auto_increment
		primary key,
	torrent_id int unsigned not null,
	size bigint unsigned not null,
	path text not null,
	is_readme tinyint default null,
	content mediumtext default null,
	constraint readme_index
		unique (torrent_id, is_readme),
	constraint files_torrent_id_fk
		foreign key (torrent_id) references torrents (id)
			on update restrict on delete cascade
) character set utf8mb4;
`

// CreateSchema creates the torrents and files tables when they are missing
func (s *Store) CreateSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, "-- STMT") {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "Failed to create mysql schema")
		}
	}
	return nil
}
