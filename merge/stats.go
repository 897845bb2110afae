package merge

import (
	"fmt"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// Stats are the torrent counts of a batch or of a whole run. Processed is always
// Inserted + Failed.
type Stats struct {
	Processed int64
	Inserted  int64
	Failed    int64
}

func (s *Stats) add(o Stats) {
	s.Processed += o.Processed
	s.Inserted += o.Inserted
	s.Failed += o.Failed
}

// Result is the outcome of a committed run
type Result struct {
	Stats
	// Total is the number of torrents the source offered when the run started
	Total int64
	// Files is the number of file rows written to the target
	Files int64
	// LastID is the source id of the last torrent processed
	LastID int64
	// LastHash is the hex info_hash of the last torrent processed
	LastHash string
}

// PurgeHint is the statement which removes the source file rows already merged. Only useful
// for stripped sources, where file rows are pruned to save space.
func (r Result) PurgeHint() string {
	if r.LastID == 0 {
		return ""
	}
	return fmt.Sprintf("DELETE FROM files WHERE torrent_id <= %d", r.LastID)
}

// Reporter consumes the counts of a run, presentation is entirely up to the implementation
type Reporter interface {
	// Start is called once with the number of torrents to merge
	Start(total int64)
	// Update is called after every merged batch with the batch counts. Batches are only
	// durable once the run commits.
	Update(delta Stats)
	// Finish is called once the run is committed
	Finish(res Result)
}

type nopReporter struct{}

func (nopReporter) Start(int64) {}
func (nopReporter) Update(Stats) {}
func (nopReporter) Finish(Result) {}

// LogReporter reports progress through logrus
type LogReporter struct {
	total int64
	seen  Stats
}

// NewLogReporter returns a Reporter logging every batch at info level
func NewLogReporter() *LogReporter {
	return &LogReporter{}
}

func (r *LogReporter) Start(total int64) {
	r.total = total
	log.Infof("Merging %s torrents", humanize.Comma(total))
}

func (r *LogReporter) Update(delta Stats) {
	r.seen.add(delta)
	pct := 100.0
	if r.total > 0 {
		pct = float64(r.seen.Processed) / float64(r.total) * 100
	}
	log.Infof("%s/%s (%.1f%%) inserted: %s failed: %s",
		humanize.Comma(r.seen.Processed), humanize.Comma(r.total), pct,
		humanize.Comma(r.seen.Inserted), humanize.Comma(r.seen.Failed))
}

func (r *LogReporter) Finish(res Result) {
	log.Infof("Done. processed: %s inserted: %s failed: %s files: %s",
		humanize.Comma(res.Processed), humanize.Comma(res.Inserted),
		humanize.Comma(res.Failed), humanize.Comma(res.Files))
}
