// Package backup schedules periodic store snapshots.
package backup

import (
	"context"
	"log"
	"path/filepath"
	"time"
)

// Target is the slice of the store the scheduler needs: anything that can
// write a snapshot to a destination path.
type Target interface {
	Backup(ctx context.Context, destination string) error
}

// Scheduler runs interval-based backups of a store into a directory.
type Scheduler struct {
	target   Target
	dir      string
	interval time.Duration
	now      func() time.Time
}

// NewScheduler builds a scheduler writing snapshots into dir every interval.
func NewScheduler(target Target, dir string, interval time.Duration) *Scheduler {
	return &Scheduler{
		target:   target,
		dir:      dir,
		interval: interval,
		now:      time.Now,
	}
}

// SetClock overrides the scheduler's time source. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Destination returns the snapshot path for a backup taken at the given
// instant. Timestamped so successive snapshots never overwrite each other.
func (s *Scheduler) Destination(at time.Time) string {
	return filepath.Join(s.dir, "rollcall-"+at.UTC().Format("20060102-150405")+".db.gz")
}

// BackupNow takes one snapshot immediately.
func (s *Scheduler) BackupNow(ctx context.Context) error {
	return s.target.Backup(ctx, s.Destination(s.now()))
}

// Run takes a snapshot every interval until ctx is cancelled. Failed backups
// are logged and the loop keeps going; the next tick retries.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.BackupNow(ctx); err != nil {
				log.Printf("scheduled backup: %v", err)
			}
		}
	}
}
