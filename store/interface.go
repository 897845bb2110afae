// Package store provides the connection adapter contract and the glue for the backend
// storage drivers.
//
// A Store is an open torrent metadata database of one of two kinds: an Embedded single file
// engine or a ClientServer engine. Drivers describe what they can do through Capabilities
// instead of a type hierarchy, the merge engine picks its strategy from those.
//
// Drivers register themselves with AddDriver from their init function, the binary decides
// which drivers are available by importing them for side-effects.
package store

import (
	"context"
	"sync"

	"github.com/leighmacdonald/magmerge/consts"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// TorrentsTable holds one row per torrent, unique on info_hash
	TorrentsTable = "torrents"
	// FilesTable holds the files of each torrent, files.torrent_id references torrents.id
	FilesTable = "files"
	// ColID is the surrogate primary key of both tables
	ColID = "id"
	// ColTorrentID is the foreign key from files to torrents
	ColTorrentID = "torrent_id"
	// ColInfoHash is the unique content hash used as the sole conflict key
	ColInfoHash = "info_hash"
)

// Kind is the backend family of a store
type Kind int

const (
	// Embedded is an in-process single file engine
	Embedded Kind = iota
	// ClientServer is a network addressed engine requiring a driver and connection string
	ClientServer
)

func (k Kind) String() string {
	if k == Embedded {
		return "embedded"
	}
	return "client/server"
}

// Capabilities describes the optional write paths a store offers
type Capabilities struct {
	// ReturningInsert is true when a whole batch of torrents can be inserted with a single
	// insert-or-skip statement returning the new id of every accepted row
	ReturningInsert bool
	// BulkCopy is true when the store has a high throughput row streaming channel
	BulkCopy bool
}

var (
	driversMu = sync.RWMutex{}
	drivers   = make(map[string]Driver)
)

// Driver opens stores for the locators which resolve to it
type Driver interface {
	Open(ctx context.Context, loc Locator) (Store, error)
}

// AddDriver registers a driver under the name used by ParseLocator
func AddDriver(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = driver
	log.Debugf("Registered storage driver: %s", name)
}

// Open connects to the database described by loc
func Open(ctx context.Context, loc Locator) (Store, error) {
	driversMu.RLock()
	driver, found := drivers[loc.Driver]
	driversMu.RUnlock()
	if !found {
		return nil, errors.Wrapf(consts.ErrInvalidDriver, "%s driver is missing", loc.Driver)
	}
	return driver.Open(ctx, loc)
}

// Store is an open torrent metadata database
type Store interface {
	// Name returns the driver name
	Name() string
	Kind() Kind
	Capabilities() Capabilities
	// Placeholder returns the bind parameter token for the n'th (1 based) argument
	Placeholder(n int) string
	// Columns returns the ordered columns of table, skipping the names in exclude
	Columns(ctx context.Context, table string, exclude ...string) ([]Column, error)
	// CountTorrents returns the number of torrents a merge would process
	CountTorrents(ctx context.Context, stripped bool) (int64, error)
	// TorrentsAfter returns up to limit torrents with an id greater than afterID in id order.
	// When stripped is set only torrents having at least one file row are returned.
	TorrentsAfter(ctx context.Context, afterID int64, limit int, stripped bool) ([]Row, error)
	// FilesAfter returns up to limit files belonging to torrentIDs with an id greater than
	// afterID in id order
	FilesAfter(ctx context.Context, torrentIDs []int64, afterID int64, limit int) ([]Row, error)
	// Begin opens the single long lived write transaction of a merge
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a write transaction on a target store. Operations a backend cannot perform return
// consts.ErrUnsupported, check Store.Capabilities before relying on them.
//
// Text values the backend refuses must be reported as consts.ErrInvalidText.
type Tx interface {
	// InsertTorrent inserts a single torrent, skipping it on a info_hash conflict.
	// The new id is returned, 0 denotes a conflict.
	InsertTorrent(ctx context.Context, columns []string, values []interface{}) (int64, error)
	// InsertTorrents inserts a batch of torrents skipping conflicts. The returned slice is
	// aligned with rows, rejected rows have a 0 id.
	InsertTorrents(ctx context.Context, columns []string, rows [][]interface{}) ([]int64, error)
	// InsertFiles inserts file rows with multi-row statements
	InsertFiles(ctx context.Context, columns []string, rows [][]interface{}) (int64, error)
	// CopyFiles streams file rows through the bulk load channel
	CopyFiles(ctx context.Context, columns []string, src RowSource) (int64, error)
	// MergeFiles copies the files of a source torrent inside the storage engine, only
	// available when the source shares storage with the target.
	MergeFiles(ctx context.Context, columns []string, oldID int64, newID int64) (int64, error)
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// RowSource is a one pass producer of rows for a bulk load. Its method set matches
// the COPY source interface of pgx so implementations can be handed over directly.
type RowSource interface {
	Next() bool
	Values() ([]interface{}, error)
	Err() error
}

// Attacher is implemented by embedded stores able to expose another database file through
// their own connection
type Attacher interface {
	// Attach returns a read only store reading loc through the receivers connection
	Attach(ctx context.Context, loc Locator) (Store, error)
}

// Suspender is implemented by stores which can drop their secondary indices and
// constraints for the duration of a bulk import
type Suspender interface {
	Suspend(ctx context.Context) (Suspension, error)
}

// Suspension restores what a Suspender dropped
type Suspension interface {
	// Restore recreates the indices first and the constraints afterwards
	Restore(ctx context.Context) error
}

// Initializer is implemented by stores able to create an empty torrents and files schema
type Initializer interface {
	CreateSchema(ctx context.Context) error
}
