// Package merge implements the merge engine which moves the torrents of a source database
// and their files into a target database.
//
// The whole run is a single target transaction. Torrents are inserted skipping info_hash
// conflicts, the ids assigned to the accepted ones are mapped back to their source ids and
// their file rows are copied with the foreign key rewritten. The write paths are picked from
// the capabilities of the target and from whether the source shares the target connection.
package merge

import (
	"context"
	"sort"

	"github.com/leighmacdonald/magmerge/consts"
	"github.com/leighmacdonald/magmerge/store"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultBatchSize is the number of torrents fetched and inserted at once
	DefaultBatchSize = 1000
	batchSavepoint   = "merge_batch"
)

// Options changes how a run behaves
type Options struct {
	BatchSize int
	// Fast suspends the target indices and constraints for the duration of the run
	Fast bool
	// StrippedFiles only merges source torrents which still have file rows
	StrippedFiles bool
	Reporter      Reporter
}

// DefaultOptions returns the options of a plain run
func DefaultOptions() Options {
	return Options{BatchSize: DefaultBatchSize}
}

// Merger merges the source of a store.Pair into its target
type Merger struct {
	pair *store.Pair
	opts Options
}

// New returns a Merger for pair
func New(pair *store.Pair, opts Options) *Merger {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Reporter == nil {
		opts.Reporter = nopReporter{}
	}
	return &Merger{pair: pair, opts: opts}
}

// Run merges the whole source. Nothing is committed unless every batch succeeds.
func (m *Merger) Run(ctx context.Context) (Result, error) {
	var res Result
	schema, err := store.Introspect(ctx, m.pair.Target, m.pair.Source)
	if err != nil {
		return res, err
	}
	res.Total, err = m.pair.Source.CountTorrents(ctx, m.opts.StrippedFiles)
	if err != nil {
		return res, err
	}
	m.logStrategy()
	m.opts.Reporter.Start(res.Total)

	var suspension store.Suspension
	if m.opts.Fast {
		suspender, ok := m.pair.Target.(store.Suspender)
		if ok {
			suspension, err = suspender.Suspend(ctx)
			if err != nil {
				return res, errors.Wrap(err, "Failed to suspend target indices")
			}
		} else {
			log.Warnf("Fast mode is not supported by the %s target, ignoring it", m.pair.Target.Name())
		}
	}
	err = m.run(ctx, schema, &res)
	if suspension != nil {
		// Restored whether the run was committed or rolled back
		if restoreErr := suspension.Restore(context.Background()); restoreErr != nil {
			if err == nil {
				return res, errors.Wrap(restoreErr, "Failed to restore target indices")
			}
			log.Errorf("Failed to restore target indices: %v", restoreErr)
		}
	}
	if err != nil {
		return res, err
	}
	m.opts.Reporter.Finish(res)
	if m.opts.StrippedFiles && res.LastID > 0 {
		log.Infof("Last merged torrent is %d (%s), merged source files can be purged with: %s",
			res.LastID, res.LastHash, res.PurgeHint())
	}
	return res, nil
}

func (m *Merger) logStrategy() {
	caps := m.pair.Target.Capabilities()
	torrents := "row-at-a-time"
	if caps.ReturningInsert {
		torrents = "batched"
	}
	files := "batched insert"
	switch {
	case m.pair.Shared:
		files = "shared storage"
	case caps.BulkCopy:
		files = "bulk copy"
	}
	log.Debugf("Merging %s (%s) into %s (%s), torrents: %s files: %s",
		m.pair.Source.Name(), m.pair.Source.Kind(), m.pair.Target.Name(), m.pair.Target.Kind(), torrents, files)
}

func (m *Merger) run(ctx context.Context, schema store.Schema, res *Result) error {
	tx, err := m.pair.Target.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(context.Background()); err != nil {
			log.Errorf("Failed to roll back target: %v", err)
		}
	}()
	cursor := store.NewTorrentCursor(m.pair.Source, m.opts.BatchSize, m.opts.StrippedFiles)
	for {
		rows, err := cursor.Next(ctx)
		if err != nil {
			return errors.Wrap(err, "Failed to fetch source torrents")
		}
		if len(rows) == 0 {
			break
		}
		stats, files, err := m.batch(ctx, tx, schema, rows)
		if err != nil {
			return err
		}
		res.add(stats)
		res.Files += files
		last := rows[len(rows)-1]
		res.LastID = last.ID()
		if ih, err := last.InfoHash(); err == nil {
			res.LastHash = ih.String()
		}
		m.opts.Reporter.Update(stats)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// batch merges one batch under a savepoint. A text value refused by the target rolls the
// batch back, it is then retried once with every text value sanitized.
func (m *Merger) batch(ctx context.Context, tx store.Tx, schema store.Schema, rows []store.Row) (Stats, int64, error) {
	if err := tx.Savepoint(ctx, batchSavepoint); err != nil {
		return Stats{}, 0, err
	}
	stats, files, err := m.insertBatch(ctx, tx, schema, rows, false)
	if errors.Is(err, consts.ErrInvalidText) {
		log.Warnf("Target refused a text value, retrying the batch sanitized: %v", err)
		if err := tx.RollbackTo(ctx, batchSavepoint); err != nil {
			return Stats{}, 0, err
		}
		stats, files, err = m.insertBatch(ctx, tx, schema, rows, true)
	}
	if err != nil {
		return Stats{}, 0, err
	}
	return stats, files, tx.Release(ctx, batchSavepoint)
}

func (m *Merger) insertBatch(ctx context.Context, tx store.Tx, schema store.Schema, rows []store.Row, sanitize bool) (Stats, int64, error) {
	stats := Stats{Processed: int64(len(rows))}
	names := schema.TorrentNames()
	values := make([][]interface{}, len(rows))
	for i, r := range rows {
		values[i] = r.Values(names)
		if sanitize {
			sanitizeValues(schema.Torrents, values[i])
		}
	}
	var files int64
	if m.pair.Target.Capabilities().ReturningInsert {
		newIDs, err := tx.InsertTorrents(ctx, names, values)
		if err != nil {
			return stats, 0, err
		}
		if len(newIDs) != len(rows) {
			return stats, 0, errors.Errorf("Target returned %d ids for %d torrents", len(newIDs), len(rows))
		}
		ids := make(map[int64]int64, len(rows))
		for i, newID := range newIDs {
			if newID > 0 {
				ids[rows[i].ID()] = newID
			}
		}
		stats.Inserted = int64(len(ids))
		files, err = m.mergeFiles(ctx, tx, schema, ids, sanitize)
		if err != nil {
			return stats, 0, err
		}
	} else {
		for i, r := range rows {
			newID, err := tx.InsertTorrent(ctx, names, values[i])
			if err != nil {
				return stats, 0, err
			}
			if newID == 0 {
				continue
			}
			stats.Inserted++
			n, err := m.mergeFiles(ctx, tx, schema, map[int64]int64{r.ID(): newID}, sanitize)
			if err != nil {
				return stats, 0, err
			}
			files += n
		}
	}
	stats.Failed = stats.Processed - stats.Inserted
	return stats, files, nil
}

// mergeFiles copies the source files of the accepted torrents, ids maps their source id to
// their target id
func (m *Merger) mergeFiles(ctx context.Context, tx store.Tx, schema store.Schema, ids map[int64]int64, sanitize bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if m.pair.Shared {
		var total int64
		for _, oldID := range sortedKeys(ids) {
			n, err := tx.MergeFiles(ctx, schema.FileNames(), oldID, ids[oldID])
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	}
	columns := append([]string{store.ColTorrentID}, schema.FileNames()...)
	if m.pair.Target.Capabilities().BulkCopy {
		src := newFileSource(ctx, m.pair.Source, ids, m.opts.BatchSize, schema.Files, sanitize)
		return tx.CopyFiles(ctx, columns, src)
	}
	var total int64
	cursor := store.NewFileCursor(m.pair.Source, sortedKeys(ids), m.opts.BatchSize)
	for {
		rows, err := cursor.Next(ctx)
		if err != nil {
			return total, errors.Wrap(err, "Failed to fetch source files")
		}
		if len(rows) == 0 {
			return total, nil
		}
		values := make([][]interface{}, len(rows))
		for i, r := range rows {
			values[i], err = fileValues(r, ids, schema.Files, schema.FileNames(), sanitize)
			if err != nil {
				return total, err
			}
		}
		n, err := tx.InsertFiles(ctx, columns, values)
		if err != nil {
			return total, err
		}
		total += n
	}
}

func sortedKeys(ids map[int64]int64) []int64 {
	keys := make([]int64, 0, len(ids))
	for k := range ids {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
