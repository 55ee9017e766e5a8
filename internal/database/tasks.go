package database

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateTask inserts a new task in the queued state.
func CreateTask(db *sql.DB, taskID, modelID string) (*DownloadTask, error) {
	task := &DownloadTask{
		TaskID:    taskID,
		ModelID:   modelID,
		Status:    TaskQueued,
		StartedAt: time.Now().UTC(),
	}

	_, err := db.Exec(`
		INSERT INTO download_tasks (task_id, model_id, status, progress, bytes_downloaded, started_at)
		VALUES (?, ?, ?, 0, 0, ?)`,
		task.TaskID, task.ModelID, task.Status, task.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create download task: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by id. Returns (nil, nil) when the task does
// not exist.
func GetTask(db *sql.DB, taskID string) (*DownloadTask, error) {
	var t DownloadTask
	err := db.QueryRow(`
		SELECT task_id, model_id, status, progress, bytes_downloaded, started_at, finished_at, error_message
		FROM download_tasks WHERE task_id = ?`, taskID).Scan(
		&t.TaskID, &t.ModelID, &t.Status, &t.Progress, &t.BytesDownloaded,
		&t.StartedAt, &t.FinishedAt, &t.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

// UpdateTaskStatus moves a task to a new status. Terminal statuses stamp
// finished_at; non-terminal statuses clear it, keeping the invariant that
// finished_at is set exactly for completed, failed and cancelled tasks.
func UpdateTaskStatus(db *sql.DB, taskID, status string) error {
	var err error
	if IsTerminalTaskStatus(status) {
		_, err = db.Exec(`
			UPDATE download_tasks
			SET status = ?, finished_at = CURRENT_TIMESTAMP
			WHERE task_id = ?`, status, taskID)
	} else {
		_, err = db.Exec(`
			UPDATE download_tasks
			SET status = ?, finished_at = NULL
			WHERE task_id = ?`, status, taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// UpdateTaskProgress records transfer progress for a running task.
func UpdateTaskProgress(db *sql.DB, taskID string, progress float64, bytesDownloaded int64) error {
	_, err := db.Exec(`
		UPDATE download_tasks
		SET progress = ?, bytes_downloaded = ?
		WHERE task_id = ?`, progress, bytesDownloaded, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return nil
}

// FailTask moves a task to failed and records the error message for display.
func FailTask(db *sql.DB, taskID, errorMsg string) error {
	_, err := db.Exec(`
		UPDATE download_tasks
		SET status = ?, error_message = ?, finished_at = CURRENT_TIMESTAMP
		WHERE task_id = ?`, TaskFailed, errorMsg, taskID)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	return nil
}

// ResetTaskForRetry clears a task back to its initial queued state in
// place, keeping the original task id.
func ResetTaskForRetry(db *sql.DB, taskID string) error {
	_, err := db.Exec(`
		UPDATE download_tasks
		SET status = ?, progress = 0, bytes_downloaded = 0,
		    error_message = NULL, finished_at = NULL, started_at = CURRENT_TIMESTAMP
		WHERE task_id = ?`, TaskQueued, taskID)
	if err != nil {
		return fmt.Errorf("failed to reset task for retry: %w", err)
	}
	return nil
}

// GetActiveTaskForModel retrieves the model's non-terminal task, if any.
// At most one such task exists per model at a time.
func GetActiveTaskForModel(db *sql.DB, modelID string) (*DownloadTask, error) {
	var t DownloadTask
	err := db.QueryRow(`
		SELECT task_id, model_id, status, progress, bytes_downloaded, started_at, finished_at, error_message
		FROM download_tasks
		WHERE model_id = ? AND status IN (?, ?, ?)
		ORDER BY started_at DESC LIMIT 1`,
		modelID, TaskQueued, TaskDownloading, TaskPaused).Scan(
		&t.TaskID, &t.ModelID, &t.Status, &t.Progress, &t.BytesDownloaded,
		&t.StartedAt, &t.FinishedAt, &t.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active task: %w", err)
	}
	return &t, nil
}

// GetPendingTasks retrieves tasks left queued or downloading, oldest first.
// Used for job recovery on startup.
func GetPendingTasks(db *sql.DB) ([]DownloadTask, error) {
	rows, err := db.Query(`
		SELECT task_id, model_id, status, progress, bytes_downloaded, started_at, finished_at, error_message
		FROM download_tasks
		WHERE status IN (?, ?)
		ORDER BY started_at ASC`, TaskQueued, TaskDownloading)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Cleanup, error not critical

	var tasks []DownloadTask
	for rows.Next() {
		var t DownloadTask
		err := rows.Scan(&t.TaskID, &t.ModelID, &t.Status, &t.Progress, &t.BytesDownloaded,
			&t.StartedAt, &t.FinishedAt, &t.ErrorMessage)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CleanupOldTasks removes terminal tasks older than the retention window.
func CleanupOldTasks(db *sql.DB, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := db.Exec(`
		DELETE FROM download_tasks
		WHERE status IN (?, ?, ?)
		AND finished_at < ?`, TaskCompleted, TaskFailed, TaskCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old tasks: %w", err)
	}
	return result.RowsAffected()
}
