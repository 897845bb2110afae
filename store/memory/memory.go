// Package memory provides an in-process store. Its capabilities are configurable so every
// merge strategy can be driven without a database server.
//
// As a CLI target (`magmerge merge memory://dry ./database.sqlite3`) it only checks the
// source: the counts report info_hash duplicates inside the source and text a postgres
// target would refuse. Nothing outlives the process.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/leighmacdonald/magmerge/consts"
	"github.com/leighmacdonald/magmerge/store"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	driverName = "memory"
	// uniqueHashIndex is never suspended
	uniqueHashIndex = "torrents_info_hash_key"
)

var (
	// TorrentColumns is the torrents layout of a store created without explicit columns
	TorrentColumns = []store.Column{
		{Name: "id", Type: "INTEGER"},
		{Name: "info_hash", Type: "BLOB"},
		{Name: "name", Type: "TEXT"},
		{Name: "total_size", Type: "INTEGER"},
		{Name: "discovered_on", Type: "INTEGER"},
		{Name: "updated_on", Type: "INTEGER"},
		{Name: "n_seeders", Type: "INTEGER"},
		{Name: "n_leechers", Type: "INTEGER"},
		{Name: "modified_on", Type: "INTEGER"},
	}
	// FileColumns is the files layout of a store created without explicit columns
	FileColumns = []store.Column{
		{Name: "id", Type: "INTEGER"},
		{Name: "torrent_id", Type: "INTEGER"},
		{Name: "size", Type: "INTEGER"},
		{Name: "path", Type: "TEXT"},
		{Name: "is_readme", Type: "INTEGER"},
		{Name: "content", Type: "TEXT"},
	}
	defaultIndices = []string{
		uniqueHashIndex,
		"discovered_on_index",
		"modified_on_index",
		"file_torrent_id_index",
		"files_torrent_id_fkey",
	}
)

// Options configures a new Store
type Options struct {
	Name         string
	Capabilities store.Capabilities
	// RejectInvalidText makes inserts fail with consts.ErrInvalidText on text values holding
	// NUL characters or invalid UTF-8, like the text type of a client/server engine
	RejectInvalidText bool
	TorrentColumns    []store.Column
	FileColumns       []store.Column
}

// DefaultOptions returns the options used for stores opened through a locator
func DefaultOptions(name string) Options {
	return Options{
		Name:              name,
		Capabilities:      store.Capabilities{ReturningInsert: true, BulkCopy: true},
		RejectInvalidText: true,
	}
}

type state struct {
	torrents  []store.Row
	files     []store.Row
	hashes    map[store.InfoHash]int64
	fileCount map[int64]int
	torrentID int64
	fileID    int64
}

func newState() state {
	return state{
		hashes:    make(map[store.InfoHash]int64),
		fileCount: make(map[int64]int),
	}
}

// clone copies the indexes, rows are never modified once stored so they are shared
func (s state) clone() state {
	c := state{
		torrents:  append([]store.Row(nil), s.torrents...),
		files:     append([]store.Row(nil), s.files...),
		hashes:    make(map[store.InfoHash]int64, len(s.hashes)),
		fileCount: make(map[int64]int, len(s.fileCount)),
		torrentID: s.torrentID,
		fileID:    s.fileID,
	}
	for k, v := range s.hashes {
		c.hashes[k] = v
	}
	for k, v := range s.fileCount {
		c.fileCount[k] = v
	}
	return c
}

// Store is the memory backed store.Store implementation
type Store struct {
	opts      Options
	mu        *sync.RWMutex
	committed state
	indices   []string
	inTx      bool
}

// New creates an empty store
func New(opts Options) *Store {
	if opts.TorrentColumns == nil {
		opts.TorrentColumns = TorrentColumns
	}
	if opts.FileColumns == nil {
		opts.FileColumns = FileColumns
	}
	return &Store{
		opts:      opts,
		mu:        &sync.RWMutex{},
		committed: newState(),
		indices:   append([]string(nil), defaultIndices...),
	}
}

// Name returns the driver name
func (s *Store) Name() string {
	return driverName
}

// Kind is store.Embedded, the data lives in this process
func (s *Store) Kind() store.Kind {
	return store.Embedded
}

// Capabilities returns the configured capabilities
func (s *Store) Capabilities() store.Capabilities {
	return s.opts.Capabilities
}

// Placeholder is unused as no statements are generated
func (s *Store) Placeholder(_ int) string {
	return "?"
}

// Columns returns the configured layout of table
func (s *Store) Columns(_ context.Context, table string, exclude ...string) ([]store.Column, error) {
	switch table {
	case store.TorrentsTable:
		return store.FilterColumns(s.opts.TorrentColumns, exclude...), nil
	case store.FilesTable:
		return store.FilterColumns(s.opts.FileColumns, exclude...), nil
	default:
		return nil, errors.Errorf("Unknown table: %s", table)
	}
}

// CountTorrents returns the number of committed torrents
func (s *Store) CountTorrents(_ context.Context, stripped bool) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !stripped {
		return int64(len(s.committed.torrents)), nil
	}
	return int64(len(s.committed.fileCount)), nil
}

func after(rows []store.Row, id int64) int {
	return sort.Search(len(rows), func(i int) bool {
		return rows[i].ID() > id
	})
}

// TorrentsAfter returns the next window of committed torrents
func (s *Store) TorrentsAfter(_ context.Context, afterID int64, limit int, stripped bool) ([]store.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Row
	for _, r := range s.committed.torrents[after(s.committed.torrents, afterID):] {
		if len(out) >= limit {
			break
		}
		if stripped && s.committed.fileCount[r.ID()] == 0 {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// FilesAfter returns the next window of committed files owned by torrentIDs
func (s *Store) FilesAfter(_ context.Context, torrentIDs []int64, afterID int64, limit int) ([]store.Row, error) {
	owners := make(map[int64]bool, len(torrentIDs))
	for _, id := range torrentIDs {
		owners[id] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Row
	for _, r := range s.committed.files[after(s.committed.files, afterID):] {
		if len(out) >= limit {
			break
		}
		if owners[r.Int64(store.ColTorrentID)] {
			out = append(out, r)
		}
	}
	return out, nil
}

// Begin starts a transaction working on a private copy of the data
func (s *Store) Begin(_ context.Context) (store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTx {
		return nil, errors.New("A transaction is already open")
	}
	s.inTx = true
	return &tx{s: s, st: s.committed.clone()}, nil
}

// Suspend drops every index except the info_hash unique index
func (s *Store) Suspend(_ context.Context) (store.Suspension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []string
	kept := []string{}
	for _, idx := range s.indices {
		if idx == uniqueHashIndex {
			kept = append(kept, idx)
			continue
		}
		dropped = append(dropped, idx)
	}
	s.indices = kept
	log.Debugf("Suspended %d indices", len(dropped))
	return &suspension{s: s, dropped: dropped}, nil
}

// Indices returns the names of the live indices
func (s *Store) Indices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.indices...)
}

// Close releases nothing, a named store keeps its data for the life of the process
func (s *Store) Close() error {
	return nil
}

type suspension struct {
	s       *Store
	dropped []string
}

func (r *suspension) Restore(_ context.Context) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.indices = append(r.s.indices, r.dropped...)
	sort.Strings(r.s.indices)
	return nil
}

type savepoint struct {
	name string
	st   state
}

type tx struct {
	s          *Store
	st         state
	savepoints []savepoint
	done       bool
}

func validText(v interface{}) bool {
	var str string
	switch t := v.(type) {
	case string:
		str = t
	case []byte:
		str = string(t)
	default:
		return true
	}
	return !strings.ContainsRune(str, 0) && utf8.ValidString(str)
}

// checkText validates the values of the text columns of layout, values is aligned with columns
func (t *tx) checkText(layout []store.Column, columns []string, values []interface{}) error {
	if !t.s.opts.RejectInvalidText {
		return nil
	}
	text := make(map[string]bool, len(layout))
	for _, c := range layout {
		text[c.Name] = c.IsText()
	}
	for i, v := range values {
		if i < len(columns) && text[columns[i]] && !validText(v) {
			return errors.Wrapf(consts.ErrInvalidText, "%s: %q", columns[i], v)
		}
	}
	return nil
}

func (t *tx) insertTorrent(columns []string, values []interface{}) (int64, error) {
	row := make(store.Row, len(columns)+1)
	for i, c := range columns {
		row[c] = values[i]
	}
	ih, err := row.InfoHash()
	if err != nil {
		return 0, errors.Wrap(err, "Invalid torrent row")
	}
	if _, dup := t.st.hashes[ih]; dup {
		return 0, nil
	}
	t.st.torrentID++
	row[store.ColID] = t.st.torrentID
	t.st.torrents = append(t.st.torrents, row)
	t.st.hashes[ih] = t.st.torrentID
	return t.st.torrentID, nil
}

func (t *tx) insertFile(columns []string, values []interface{}) error {
	row := make(store.Row, len(columns)+1)
	for i, c := range columns {
		row[c] = values[i]
	}
	owner := row.Int64(store.ColTorrentID)
	if i := after(t.st.torrents, owner-1); i == len(t.st.torrents) || t.st.torrents[i].ID() != owner {
		return errors.Errorf("files.torrent_id %d references no torrent", owner)
	}
	t.st.fileID++
	row[store.ColID] = t.st.fileID
	t.st.files = append(t.st.files, row)
	t.st.fileCount[owner]++
	return nil
}

func (t *tx) InsertTorrent(_ context.Context, columns []string, values []interface{}) (int64, error) {
	if err := t.checkText(t.s.opts.TorrentColumns, columns, values); err != nil {
		return 0, err
	}
	return t.insertTorrent(columns, values)
}

func (t *tx) InsertTorrents(_ context.Context, columns []string, rows [][]interface{}) ([]int64, error) {
	if !t.s.opts.Capabilities.ReturningInsert {
		return nil, consts.ErrUnsupported
	}
	for _, values := range rows {
		if err := t.checkText(t.s.opts.TorrentColumns, columns, values); err != nil {
			return nil, err
		}
	}
	ids := make([]int64, len(rows))
	for i, values := range rows {
		id, err := t.insertTorrent(columns, values)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (t *tx) InsertFiles(_ context.Context, columns []string, rows [][]interface{}) (int64, error) {
	for _, values := range rows {
		if err := t.checkText(t.s.opts.FileColumns, columns, values); err != nil {
			return 0, err
		}
	}
	for _, values := range rows {
		if err := t.insertFile(columns, values); err != nil {
			return 0, err
		}
	}
	return int64(len(rows)), nil
}

func (t *tx) CopyFiles(_ context.Context, columns []string, src store.RowSource) (int64, error) {
	if !t.s.opts.Capabilities.BulkCopy {
		return 0, consts.ErrUnsupported
	}
	var n int64
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return n, err
		}
		if err := t.checkText(t.s.opts.FileColumns, columns, values); err != nil {
			return n, err
		}
		if err := t.insertFile(columns, values); err != nil {
			return n, err
		}
		n++
	}
	return n, src.Err()
}

func (t *tx) MergeFiles(_ context.Context, _ []string, _ int64, _ int64) (int64, error) {
	return 0, consts.ErrUnsupported
}

func (t *tx) Savepoint(_ context.Context, name string) error {
	t.savepoints = append(t.savepoints, savepoint{name: name, st: t.st.clone()})
	return nil
}

func (t *tx) find(name string) (int, error) {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			return i, nil
		}
	}
	return 0, errors.Errorf("No such savepoint: %s", name)
}

func (t *tx) RollbackTo(_ context.Context, name string) error {
	i, err := t.find(name)
	if err != nil {
		return err
	}
	t.st = t.savepoints[i].st.clone()
	t.savepoints = t.savepoints[:i+1]
	return nil
}

func (t *tx) Release(_ context.Context, name string) error {
	i, err := t.find(name)
	if err != nil {
		return err
	}
	t.savepoints = t.savepoints[:i]
	return nil
}

func (t *tx) finish(commit bool) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return errors.New("Transaction already closed")
	}
	t.done = true
	t.s.inTx = false
	if commit {
		t.s.committed = t.st
	}
	return nil
}

func (t *tx) Commit(_ context.Context) error {
	return t.finish(true)
}

func (t *tx) Rollback(_ context.Context) error {
	return t.finish(false)
}

var (
	storesMu = &sync.Mutex{}
	stores   = make(map[string]*Store)
)

// Register makes s reachable through the memory://<name> locator
func Register(s *Store) {
	storesMu.Lock()
	defer storesMu.Unlock()
	stores[s.opts.Name] = s
}

type driver struct{}

// Open returns the store registered under the locator name, creating it on first use
func (d driver) Open(_ context.Context, loc store.Locator) (store.Store, error) {
	storesMu.Lock()
	defer storesMu.Unlock()
	s, found := stores[loc.Path]
	if !found {
		s = New(DefaultOptions(loc.Path))
		stores[loc.Path] = s
	}
	return s, nil
}

func init() {
	store.AddDriver(driverName, driver{})
}
