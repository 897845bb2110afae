package store

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Column is a column name with its declared type
type Column struct {
	Name string `db:"name"`
	Type string `db:"type"`
}

// IsText reports whether the column holds character data
func (c Column) IsText() bool {
	t := strings.ToLower(c.Type)
	return strings.Contains(t, "text") || strings.Contains(t, "char") || strings.Contains(t, "clob")
}

// Names returns the names of cols in order
func Names(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// Schema is the column layout shared by a source and target pair. It is computed once by
// Introspect and then only read, the schema is assumed stable for the length of a merge.
type Schema struct {
	// Torrents are the torrents columns, without the id
	Torrents []Column
	// Files are the files columns, without the id and torrent_id
	Files []Column
}

// TorrentNames returns the torrent column names in insert order
func (s Schema) TorrentNames() []string {
	return Names(s.Torrents)
}

// FileNames returns the file column names in insert order
func (s Schema) FileNames() []string {
	return Names(s.Files)
}

// Introspect reads the live schemas of target and source. The result follows the target
// column order and only keeps the columns both sides have, so additive drift on either side
// (eg: a new nullable column) does not break the generated statements.
func Introspect(ctx context.Context, target Store, source Store) (Schema, error) {
	var s Schema
	var err error
	s.Torrents, err = commonColumns(ctx, target, source, TorrentsTable, ColID)
	if err != nil {
		return s, err
	}
	s.Files, err = commonColumns(ctx, target, source, FilesTable, ColID, ColTorrentID)
	if err != nil {
		return s, err
	}
	if len(s.Torrents) == 0 {
		return s, errors.New("No common torrents columns between source and target")
	}
	return s, nil
}

func commonColumns(ctx context.Context, target Store, source Store, table string, exclude ...string) ([]Column, error) {
	tc, err := target.Columns(ctx, table, exclude...)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read target %s columns", table)
	}
	sc, err := source.Columns(ctx, table, exclude...)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read source %s columns", table)
	}
	inSource := make(map[string]bool, len(sc))
	for _, c := range sc {
		inSource[c.Name] = true
	}
	var cols []Column
	for _, c := range tc {
		if !inSource[c.Name] {
			log.Warnf("Column %s.%s missing from source, using target default", table, c.Name)
			continue
		}
		cols = append(cols, c)
		delete(inSource, c.Name)
	}
	for name := range inSource {
		log.Warnf("Column %s.%s missing from target, skipping it", table, name)
	}
	return cols, nil
}

// excluded reports whether name is one of exclude
func excluded(name string, exclude []string) bool {
	for _, e := range exclude {
		if e == name {
			return true
		}
	}
	return false
}

// FilterColumns drops the excluded columns, used by drivers after reading their catalog
func FilterColumns(cols []Column, exclude ...string) []Column {
	var out []Column
	for _, c := range cols {
		if !excluded(c.Name, exclude) {
			out = append(out, c)
		}
	}
	return out
}
