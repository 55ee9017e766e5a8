// Package maintenance runs the recurring housekeeping jobs: pruning
// expired manifest cache entries and deleting old terminal download
// tasks.
package maintenance

import (
	"database/sql"
	"time"

	"github.com/robfig/cron/v3"

	"lumen/internal/database"
	"lumen/internal/logging"
)

// taskRetention is how long terminal task rows are kept for display.
const taskRetention = 30 * 24 * time.Hour

// Runner owns the cron schedule.
type Runner struct {
	db   *sql.DB
	cron *cron.Cron
}

// New creates a runner with the standard schedule: manifest pruning every
// hour, task cleanup once a day.
func New(db *sql.DB) (*Runner, error) {
	r := &Runner{
		db:   db,
		cron: cron.New(),
	}

	if _, err := r.cron.AddFunc("@hourly", r.pruneManifests); err != nil {
		return nil, err
	}
	if _, err := r.cron.AddFunc("@daily", r.cleanupTasks); err != nil {
		return nil, err
	}

	return r, nil
}

// Start begins the schedule and runs one sweep immediately so a restart
// does not wait an hour to catch up.
func (r *Runner) Start() {
	r.pruneManifests()
	r.cleanupTasks()
	r.cron.Start()
}

// Stop halts the schedule, waiting for a running job to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Runner) pruneManifests() {
	n, err := database.PruneExpiredManifests(r.db)
	if err != nil {
		logging.Error("Manifest prune failed: %v", err)
		return
	}
	if n > 0 {
		logging.Info("Pruned %d expired manifest cache entries", n)
	}
}

func (r *Runner) cleanupTasks() {
	n, err := database.CleanupOldTasks(r.db, taskRetention)
	if err != nil {
		logging.Error("Task cleanup failed: %v", err)
		return
	}
	if n > 0 {
		logging.Info("Deleted %d old download tasks", n)
	}
}
