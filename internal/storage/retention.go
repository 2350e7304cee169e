package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Retention deletes hour partitions older than a cutoff on a cron
// schedule. Disabled when the retention duration is zero.
type Retention struct {
	root     string
	formats  []string
	keep     time.Duration
	schedule string
	logger   *slog.Logger

	cron *cron.Cron
}

// NewRetention creates a retention sweeper over root for the given
// formats. schedule is a standard five-field cron expression.
func NewRetention(root string, formats []string, keep time.Duration, schedule string, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = "0 * * * *"
	}
	return &Retention{
		root:     root,
		formats:  formats,
		keep:     keep,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the cron job. A zero keep duration disables sweeps.
func (r *Retention) Start(ctx context.Context) error {
	if r.keep <= 0 {
		r.logger.Info("storage retention disabled")
		return nil
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() {
		if removed, err := r.SweepOnce(time.Now()); err != nil {
			r.logger.Error("retention sweep failed", "error", err)
		} else if removed > 0 {
			r.logger.Info("retention sweep removed partitions", "count", removed)
		}
	}); err != nil {
		return err
	}
	r.cron.Start()

	r.logger.Info("storage retention started",
		"keep", r.keep,
		"schedule", r.schedule,
	)
	return nil
}

// Stop halts the cron scheduler and waits for a running sweep.
func (r *Retention) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepOnce removes every hour directory whose hour ended before
// now-keep, returning how many were removed. Empty day/month/year
// parents are pruned as a side effect.
func (r *Retention) SweepOnce(now time.Time) (int, error) {
	cutoff := now.Add(-r.keep).UTC()
	removed := 0

	for _, format := range r.formats {
		formatRoot := filepath.Join(r.root, format)
		hours, err := listHourDirs(formatRoot)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, err
		}
		for _, hd := range hours {
			// The partition is deletable once its final second passed
			// the cutoff.
			if hd.hour.Add(time.Hour).After(cutoff) {
				continue
			}
			if err := os.RemoveAll(hd.path); err != nil {
				return removed, err
			}
			removed++
			pruneEmptyParents(hd.path, formatRoot)
		}
	}
	return removed, nil
}

type hourEntry struct {
	path string
	hour time.Time
}

// listHourDirs walks root/YYYY/MM/DD/HH, skipping anything that does
// not parse as an hour partition.
func listHourDirs(root string) ([]hourEntry, error) {
	var out []hourEntry
	years, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, y := range years {
		if !y.IsDir() {
			continue
		}
		months, err := os.ReadDir(filepath.Join(root, y.Name()))
		if err != nil {
			continue
		}
		for _, m := range months {
			if !m.IsDir() {
				continue
			}
			days, err := os.ReadDir(filepath.Join(root, y.Name(), m.Name()))
			if err != nil {
				continue
			}
			for _, d := range days {
				if !d.IsDir() {
					continue
				}
				hours, err := os.ReadDir(filepath.Join(root, y.Name(), m.Name(), d.Name()))
				if err != nil {
					continue
				}
				for _, h := range hours {
					if !h.IsDir() {
						continue
					}
					stamp := y.Name() + "/" + m.Name() + "/" + d.Name() + "/" + h.Name()
					hour, err := time.ParseInLocation("2006/01/02/15", stamp, time.UTC)
					if err != nil {
						continue
					}
					out = append(out, hourEntry{
						path: filepath.Join(root, y.Name(), m.Name(), d.Name(), h.Name()),
						hour: hour,
					})
				}
			}
		}
	}
	return out, nil
}

// pruneEmptyParents removes now-empty day/month/year directories up to
// (not including) stop.
func pruneEmptyParents(path, stop string) {
	for dir := filepath.Dir(path); dir != stop; dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
