package mysql

import (
	"context"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/leighmacdonald/magmerge/consts"
	"github.com/leighmacdonald/magmerge/store"
	"github.com/pkg/errors"
)

// Server error numbers of text values the column charset cannot hold
const (
	errTruncatedWrongValue = 1366
	errInvalidCharacter    = 1300
)

// mapError reports the text values the server refuses as consts.ErrInvalidText
func mapError(err error, msg string) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errTruncatedWrongValue, errInvalidCharacter:
			return errors.Wrapf(consts.ErrInvalidText, "%s: %s", msg, myErr.Message)
		}
	}
	return errors.Wrap(err, msg)
}

// insertStatement skips rows violating a unique key without downgrading other errors to
// warnings like INSERT IGNORE would
func insertStatement(table string, columns []string, nRows int) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON DUPLICATE KEY UPDATE id = id",
		quote(table), store.QuoteList(quote, columns), store.ValuesList(&Store{}, nRows, len(columns), 0))
}

type tx struct {
	tx *sqlx.Tx
}

// InsertTorrent inserts one torrent, 0 is returned on a info_hash conflict
func (t *tx) InsertTorrent(ctx context.Context, columns []string, values []interface{}) (int64, error) {
	res, err := t.tx.ExecContext(ctx, insertStatement(store.TorrentsTable, columns, 1), values...)
	if err != nil {
		return 0, mapError(err, "Failed to insert torrent")
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
		res, err := t.tx.ExecContext(ctx, insertStatement(store.FilesTable, columns, len(chunk)), store.Flatten(chunk)...)
		if err != nil {
			return total, mapError(err, "Failed to insert files")
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (t *tx) CopyFiles(_ context.Context, _ []string, _ store.RowSource) (int64, error) {
	return 0, consts.ErrUnsupported
}

func (t *tx) MergeFiles(_ context.Context, _ []string, _ int64, _ int64) (int64, error) {
	return 0, consts.ErrUnsupported
}

func (t *tx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "SAVEPOINT "+quote(name))
	return errors.Wrapf(err, "Failed to create savepoint %s", name)
}

func (t *tx) RollbackTo(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+quote(name))
	return errors.Wrapf(err, "Failed to roll back to savepoint %s", name)
}

func (t *tx) Release(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+quote(name))
	return errors.Wrapf(err, "Failed to release savepoint %s", name)
}

func (t *tx) Commit(_ context.Context) error {
	return errors.Wrap(t.tx.Commit(), "Failed to commit")
}

func (t *tx) Rollback(_ context.Context) error {
	return errors.Wrap(t.tx.Rollback(), "Failed to roll back")
}
