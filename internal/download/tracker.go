// Package download runs model downloads in the background: one persisted
// task per model, resumable transfers, checksum verification and a live
// progress view.
package download

import (
	"fmt"
	"sync"
	"time"

	"lumen/internal/database"
)

// Observation is a point-in-time snapshot of one task's progress.
// Fraction is in [0, 1].
type Observation struct {
	TaskID                 string  `json:"task_id"`
	ModelID                string  `json:"model_id"`
	Status                 string  `json:"status"`
	Fraction               float64 `json:"fraction"`
	BytesDownloaded        int64   `json:"bytes_downloaded"`
	TotalBytes             int64   `json:"total_bytes"`
	Message                string  `json:"message,omitempty"`
	EstimatedTimeRemaining string  `json:"estimated_time_remaining,omitempty"`
	StartedAt              time.Time `json:"started_at"`
	LastUpdate             time.Time `json:"last_update"`
	Error                  string  `json:"error,omitempty"`
}

// Tracker keeps in-memory progress for every task the manager touches.
// Readers always get a copy; an unknown task id reads as a zero
// observation rather than an error.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*Observation
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{tasks: make(map[string]*Observation)}
}

// Begin starts tracking a task. totalBytes may be zero until the manifest
// is known.
func (t *Tracker) Begin(taskID, modelID string, totalBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.tasks[taskID] = &Observation{
		TaskID:     taskID,
		ModelID:    modelID,
		Status:     database.TaskQueued,
		TotalBytes: totalBytes,
		StartedAt:  now,
		LastUpdate: now,
	}
}

// Update records transfer progress and refreshes the time estimate.
func (t *Tracker) Update(taskID string, downloaded, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	obs, exists := t.tasks[taskID]
	if !exists {
		return
	}

	obs.Status = database.TaskDownloading
	obs.BytesDownloaded = downloaded
	if total > 0 {
		obs.TotalBytes = total
		obs.Fraction = float64(downloaded) / float64(total)
	}
	obs.LastUpdate = time.Now()

	if obs.Fraction > 0.05 && obs.Fraction < 1 {
		elapsed := time.Since(obs.StartedAt)
		totalEstimated := time.Duration(float64(elapsed) / obs.Fraction)
		if remaining := totalEstimated - elapsed; remaining > 0 {
			obs.EstimatedTimeRemaining = formatDuration(remaining)
		}
	}
}

// SetStatus moves the tracked task through the status machine.
func (t *Tracker) SetStatus(taskID, status, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs, exists := t.tasks[taskID]; exists {
		obs.Status = status
		obs.Message = message
		obs.LastUpdate = time.Now()
	}
}

// SetError marks the tracked task as failed.
func (t *Tracker) SetError(taskID, errorMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs, exists := t.tasks[taskID]; exists {
		obs.Status = database.TaskFailed
		obs.Error = errorMsg
		obs.EstimatedTimeRemaining = ""
		obs.LastUpdate = time.Now()
	}
}

// Complete marks the tracked task as finished.
func (t *Tracker) Complete(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs, exists := t.tasks[taskID]; exists {
		obs.Status = database.TaskCompleted
		obs.Fraction = 1
		obs.EstimatedTimeRemaining = ""
		obs.LastUpdate = time.Now()
	}
}

// Observe returns a snapshot for one task. Unknown ids yield a zero
// observation carrying only the id.
func (t *Tracker) Observe(taskID string) Observation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if obs, exists := t.tasks[taskID]; exists {
		return *obs
	}
	return Observation{TaskID: taskID}
}

// Snapshot returns copies of every tracked observation.
func (t *Tracker) Snapshot() map[string]Observation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Observation, len(t.tasks))
	for id, obs := range t.tasks {
		out[id] = *obs
	}
	return out
}

// Remove stops tracking a task.
func (t *Tracker) Remove(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.tasks, taskID)
}

// CleanupOld drops observations that have not moved within maxAge.
func (t *Tracker) CleanupOld(maxAge time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, obs := range t.tasks {
		if obs.LastUpdate.Before(cutoff) {
			delete(t.tasks, id)
		}
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "< 1m"
	}
	minutes := int(d.Minutes())
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	if minutes%60 == 0 {
		return fmt.Sprintf("%dh", minutes/60)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}
