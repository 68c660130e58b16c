// Package progress reports throughput and ETA for long-running ingestion
// steps (file download, record transform, database load), logging at a
// fixed cadence instead of on every record.
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Tracker accumulates processed/total counts for one unit of work (e.g.
// "downloading Patient files") and logs progress no more often than
// LogInterval.
type Tracker struct {
	mu          sync.Mutex
	label       string
	total       int
	processed   int
	failed      int
	startedAt   time.Time
	lastLogged  time.Time
	logInterval time.Duration
	log         zerolog.Logger
}

// New creates a Tracker for total known units of work. total may be 0 when
// the size isn't known upfront (e.g. streaming NDJSON); percent/ETA are
// omitted from log lines in that case.
func New(log zerolog.Logger, label string, total int, logInterval time.Duration) *Tracker {
	now := time.Now()
	return &Tracker{
		label:       label,
		total:       total,
		startedAt:   now,
		lastLogged:  now,
		logInterval: logInterval,
		log:         log,
	}
}

// Advance records n additional processed units (ok) and failed units, and
// logs a progress line if the configured interval has elapsed.
func (t *Tracker) Advance(ok, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed += ok
	t.failed += failed

	if time.Since(t.lastLogged) < t.logInterval {
		return
	}
	t.lastLogged = time.Now()
	t.logLocked()
}

// Done logs a final summary line regardless of the log interval.
func (t *Tracker) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logLocked()
}

func (t *Tracker) logLocked() {
	elapsed := time.Since(t.startedAt)
	evt := t.log.Info().
		Str("step", t.label).
		Int("processed", t.processed).
		Int("failed", t.failed).
		Dur("elapsed", elapsed)

	if t.total > 0 {
		pct := float64(t.processed+t.failed) / float64(t.total) * 100
		evt = evt.Float64("percent", pct)
		if t.processed > 0 && elapsed > 0 {
			rate := float64(t.processed) / elapsed.Seconds()
			remaining := t.total - t.processed - t.failed
			if rate > 0 && remaining > 0 {
				eta := time.Duration(float64(remaining)/rate) * time.Second
				evt = evt.Dur("eta", eta)
			}
		}
	}
	evt.Msg("progress")
}

// Snapshot returns the current counters, useful for job status reporting.
type Snapshot struct {
	Processed int
	Failed    int
	Total     int
	Elapsed   time.Duration
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Processed: t.processed,
		Failed:    t.failed,
		Total:     t.total,
		Elapsed:   time.Since(t.startedAt),
	}
}
