package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lumen/internal/catalog"
	"lumen/internal/database"
	"lumen/internal/logging"
	"lumen/internal/manifest"
	"lumen/internal/outcome"
	"lumen/internal/scheduler"
	"lumen/internal/telemetry"
)

// persistInterval caps how often transfer progress is written back to the
// task row. The tracker always has the live numbers.
const persistInterval = time.Second

// ManifestSource is the slice of the manifest repository the manager
// needs: a fresh validated manifest and a verification back-channel.
type ManifestSource interface {
	RefreshManifest(ctx context.Context, modelID, version string) outcome.Result[manifest.DownloadManifest]
	ReportVerification(ctx context.Context, modelID, version, checksum string, result manifest.VerificationOutcome, failureReason string) outcome.Result[outcome.Unit]
}

// Manager owns the download lifecycle. One scheduler job per model keyed
// by model id; task rows persist across restarts and carry the state
// machine.
type Manager struct {
	db             *sql.DB
	manifests      ManifestSource
	reporter       telemetry.Reporter
	tracker        *Tracker
	sched          *scheduler.Scheduler
	httpClient     *http.Client
	artifactsDir   string
	supportContact string
	maxConcurrent  int
}

// NewManager creates a download manager. artifactsDir is created on
// demand; maxConcurrent below one means no limit.
func NewManager(db *sql.DB, manifests ManifestSource, reporter telemetry.Reporter, artifactsDir, supportContact string, maxConcurrent int) *Manager {
	return &Manager{
		db:             db,
		manifests:      manifests,
		reporter:       reporter,
		tracker:        NewTracker(),
		sched:          scheduler.New(maxConcurrent),
		httpClient:     &http.Client{}, // no overall timeout; transfers are long-lived
		artifactsDir:   artifactsDir,
		supportContact: supportContact,
		maxConcurrent:  maxConcurrent,
	}
}

// MaxConcurrentDownloads returns the configured transfer cap.
func (m *Manager) MaxConcurrentDownloads() int { return m.maxConcurrent }

// Progress returns the live observation for a task. Unknown task ids
// yield a zero observation.
func (m *Manager) Progress(taskID string) Observation { return m.tracker.Observe(taskID) }

// Snapshot returns every tracked observation.
func (m *Manager) Snapshot() map[string]Observation { return m.tracker.Snapshot() }

// Close stops every running transfer and waits for the jobs to unwind.
// Interrupted tasks stay downloading in the store and are recovered on
// the next start.
func (m *Manager) Close() { m.sched.Close() }

// StartDownload begins (or joins) the download for a model. A model with
// a task already queued, downloading or paused keeps that task; the
// existing task id is returned.
func (m *Manager) StartDownload(ctx context.Context, modelID string) outcome.Result[string] {
	pkg, err := catalog.EnsureModelRecord(m.db, modelID)
	if err != nil {
		return m.fatal(fmt.Sprintf("unknown model %q", modelID), err, modelID)
	}

	active, err := database.GetActiveTaskForModel(m.db, modelID)
	if err != nil {
		return m.recoverable("failed to look up existing task", err, modelID)
	}
	if active != nil {
		// Keep the existing task. A queued or downloading task without a
		// live job (fresh process) is resubmitted under its own id.
		if active.Status != database.TaskPaused && !m.sched.Active(modelID) {
			m.tracker.Begin(active.TaskID, modelID, pkg.SizeBytes)
			taskID, version := active.TaskID, pkg.Version
			m.sched.Submit(modelID, scheduler.KeepExisting, func(jobCtx context.Context) {
				m.run(jobCtx, taskID, modelID, version)
			})
		}
		return outcome.Ok(active.TaskID)
	}

	taskID := uuid.New().String()
	if _, err := database.CreateTask(m.db, taskID, modelID); err != nil {
		return m.recoverable("failed to persist download task", err, modelID)
	}
	if err := database.UpdateModelInstallState(m.db, modelID, database.InstallDownloading, taskID); err != nil {
		logging.Warning("Failed to mark %s downloading: %v", modelID, err)
	}
	m.tracker.Begin(taskID, modelID, pkg.SizeBytes)

	version := pkg.Version
	submitted := m.sched.Submit(modelID, scheduler.KeepExisting, func(jobCtx context.Context) {
		m.run(jobCtx, taskID, modelID, version)
	})
	if !submitted {
		// Lost a race with a concurrent start; fold into the winner.
		if err := database.UpdateTaskStatus(m.db, taskID, database.TaskCancelled); err != nil {
			logging.Warning("Failed to cancel duplicate task %s: %v", taskID, err)
		}
		m.tracker.Remove(taskID)
		if winner, err := database.GetActiveTaskForModel(m.db, modelID); err == nil && winner != nil {
			return outcome.Ok(winner.TaskID)
		}
	}

	return outcome.Ok(taskID)
}

// Pause stops a running download, keeping its partial file. Pausing a
// task that is already paused, finished or unknown is a no-op.
func (m *Manager) Pause(taskID string) outcome.Result[outcome.Unit] {
	task, err := database.GetTask(m.db, taskID)
	if err != nil {
		return mapUnit(m.recoverable("failed to look up task", err, ""))
	}
	if task == nil || task.Status == database.TaskPaused || database.IsTerminalTaskStatus(task.Status) {
		return outcome.Ok(outcome.Unit{})
	}

	m.sched.Cancel(task.ModelID)
	if err := database.UpdateTaskStatus(m.db, taskID, database.TaskPaused); err != nil {
		return mapUnit(m.recoverable("failed to pause task", err, task.ModelID))
	}
	m.tracker.SetStatus(taskID, database.TaskPaused, "Paused")

	return outcome.Ok(outcome.Unit{})
}

// Resume continues a paused download from its partial file. Unknown task
// ids and tasks that are not paused are no-ops.
func (m *Manager) Resume(ctx context.Context, taskID string) outcome.Result[outcome.Unit] {
	task, err := database.GetTask(m.db, taskID)
	if err != nil {
		return mapUnit(m.recoverable("failed to look up task", err, ""))
	}
	if task == nil || task.Status != database.TaskPaused {
		return outcome.Ok(outcome.Unit{})
	}

	return m.restart(task, database.TaskDownloading)
}

// Retry re-runs a failed download under the same task id, from scratch.
// Unknown task ids and tasks that have not failed are no-ops.
func (m *Manager) Retry(ctx context.Context, taskID string) outcome.Result[outcome.Unit] {
	task, err := database.GetTask(m.db, taskID)
	if err != nil {
		return mapUnit(m.recoverable("failed to look up task", err, ""))
	}
	if task == nil || task.Status != database.TaskFailed {
		return outcome.Ok(outcome.Unit{})
	}

	if err := database.ResetTaskForRetry(m.db, taskID); err != nil {
		return mapUnit(m.recoverable("failed to reset task", err, task.ModelID))
	}
	return m.restart(task, database.TaskQueued)
}

// Cancel abandons a download permanently. The partial file is kept on
// disk for a later fresh start to resume over.
func (m *Manager) Cancel(taskID string) outcome.Result[outcome.Unit] {
	task, err := database.GetTask(m.db, taskID)
	if err != nil {
		return mapUnit(m.recoverable("failed to look up task", err, ""))
	}
	if task == nil || database.IsTerminalTaskStatus(task.Status) {
		return outcome.Ok(outcome.Unit{})
	}

	m.sched.Cancel(task.ModelID)
	if err := database.UpdateTaskStatus(m.db, taskID, database.TaskCancelled); err != nil {
		return mapUnit(m.recoverable("failed to cancel task", err, task.ModelID))
	}
	if err := database.UpdateModelInstallState(m.db, task.ModelID, database.InstallNotInstalled, ""); err != nil {
		logging.Warning("Failed to reset install state for %s: %v", task.ModelID, err)
	}
	m.tracker.SetStatus(taskID, database.TaskCancelled, "Cancelled")

	return outcome.Ok(outcome.Unit{})
}

// restart marks the task and resubmits its job, replacing any stale job
// under the same model key.
func (m *Manager) restart(task *database.DownloadTask, status string) outcome.Result[outcome.Unit] {
	pkg, err := database.GetModelPackage(m.db, task.ModelID)
	if err != nil || pkg == nil {
		return mapUnit(m.recoverable("failed to look up model record", err, task.ModelID))
	}

	if err := database.UpdateTaskStatus(m.db, task.TaskID, status); err != nil {
		return mapUnit(m.recoverable("failed to update task", err, task.ModelID))
	}
	if err := database.UpdateModelInstallState(m.db, task.ModelID, database.InstallDownloading, task.TaskID); err != nil {
		logging.Warning("Failed to mark %s downloading: %v", task.ModelID, err)
	}
	m.tracker.Begin(task.TaskID, task.ModelID, pkg.SizeBytes)
	m.tracker.SetStatus(task.TaskID, status, "")

	taskID, modelID, version := task.TaskID, task.ModelID, pkg.Version
	m.sched.Submit(modelID, scheduler.Replace, func(jobCtx context.Context) {
		m.run(jobCtx, taskID, modelID, version)
	})

	return outcome.Ok(outcome.Unit{})
}

// RecoverPendingTasks resubmits tasks left queued or downloading by a
// previous process. Paused tasks stay paused until asked to resume.
func (m *Manager) RecoverPendingTasks() error {
	pending, err := database.GetPendingTasks(m.db)
	if err != nil {
		return fmt.Errorf("failed to load pending tasks: %w", err)
	}

	for i := range pending {
		task := pending[i]
		pkg, err := database.GetModelPackage(m.db, task.ModelID)
		if err != nil || pkg == nil {
			logging.Warning("Skipping recovery of task %s: no model record", task.TaskID)
			continue
		}
		m.tracker.Begin(task.TaskID, task.ModelID, pkg.SizeBytes)
		taskID, modelID, version := task.TaskID, task.ModelID, pkg.Version
		m.sched.Submit(modelID, scheduler.KeepExisting, func(jobCtx context.Context) {
			m.run(jobCtx, taskID, modelID, version)
		})
		logging.Info("Recovered pending download for %s (task %s)", modelID, taskID)
	}
	return nil
}

// run is the body of one download job. Context cancellation means Pause,
// Cancel or Replace owns the task row; run leaves it alone and returns.
func (m *Manager) run(ctx context.Context, taskID, modelID, version string) {
	if err := database.UpdateTaskStatus(m.db, taskID, database.TaskDownloading); err != nil {
		logging.Error("Failed to mark task %s downloading: %v", taskID, err)
		return
	}
	m.tracker.SetStatus(taskID, database.TaskDownloading, "Fetching manifest")

	res := m.manifests.RefreshManifest(ctx, modelID, version)
	if !res.IsSuccess() {
		if ctx.Err() != nil {
			return
		}
		m.failTask(taskID, modelID, res.Message)
		return
	}
	man := res.Value

	dest, part := m.artifactPaths(modelID, man.Version)
	if err := os.MkdirAll(m.artifactsDir, 0o755); err != nil {
		m.reportFailure(outcome.KindRecoverable, "failed to create artifacts directory", taskID, modelID)
		m.failTask(taskID, modelID, "failed to create artifacts directory")
		return
	}

	var persistMu sync.Mutex
	lastPersist := time.Now()
	progressCb := func(downloaded, total int64) {
		m.tracker.Update(taskID, downloaded, total)
		persistMu.Lock()
		due := time.Since(lastPersist) >= persistInterval
		if due {
			lastPersist = time.Now()
		}
		persistMu.Unlock()
		if due {
			fraction := 0.0
			if total > 0 {
				fraction = float64(downloaded) / float64(total)
			}
			if err := database.UpdateTaskProgress(m.db, taskID, fraction, downloaded); err != nil {
				logging.Debug("Failed to persist progress for %s: %v", taskID, err)
			}
		}
	}

	if err := fetchArtifact(ctx, m.httpClient, man.DownloadURL, part, man.SizeBytes, progressCb); err != nil {
		if ctx.Err() != nil {
			return
		}
		kind := outcome.KindRecoverable
		var te *transferError
		if errors.As(err, &te) && te.StatusCode >= 400 && te.StatusCode < 500 {
			kind = outcome.KindFatal
		}
		m.reportFailure(kind, err.Error(), taskID, modelID)
		m.failTask(taskID, modelID, err.Error())
		return
	}

	checksum, err := fileChecksum(part)
	if err != nil {
		m.reportFailure(outcome.KindRecoverable, "failed to hash artifact", taskID, modelID)
		m.failTask(taskID, modelID, "failed to hash artifact")
		return
	}

	if checksum != man.ChecksumSHA256 {
		// Corrupted transfer: drop the artifact so a retry starts clean.
		if err := m.DeletePartialFiles(modelID); err != nil {
			logging.Warning("Failed to delete corrupted files for %s: %v", modelID, err)
		}
		m.reportFailure(outcome.KindRecoverable, "artifact checksum mismatch", taskID, modelID)
		m.failTask(taskID, modelID, "artifact checksum mismatch")
		if r := m.manifests.ReportVerification(ctx, modelID, man.Version, checksum, manifest.VerificationCorrupted, "checksum mismatch"); !r.IsSuccess() {
			logging.Warning("Verification report for %s not accepted: %s", modelID, r.Message)
		}
		return
	}

	if err := os.Rename(part, dest); err != nil {
		m.reportFailure(outcome.KindRecoverable, "failed to finalize artifact", taskID, modelID)
		m.failTask(taskID, modelID, "failed to finalize artifact")
		return
	}

	if err := database.UpdateTaskProgress(m.db, taskID, 1, man.SizeBytes); err != nil {
		logging.Debug("Failed to persist final progress for %s: %v", taskID, err)
	}
	if err := database.UpdateTaskStatus(m.db, taskID, database.TaskCompleted); err != nil {
		logging.Error("Failed to complete task %s: %v", taskID, err)
	}
	if err := database.UpdateModelInstallState(m.db, modelID, database.InstallInstalled, taskID); err != nil {
		logging.Warning("Failed to mark %s installed: %v", modelID, err)
	}
	m.tracker.Complete(taskID)
	logging.Info("Download complete for %s (task %s)", modelID, taskID)

	if r := m.manifests.ReportVerification(ctx, modelID, man.Version, checksum, manifest.VerificationSuccess, ""); !r.IsSuccess() {
		logging.Warning("Verification report for %s not accepted: %s", modelID, r.Message)
	}
}

// failTask moves a task to failed everywhere the state lives.
func (m *Manager) failTask(taskID, modelID, message string) {
	if err := database.FailTask(m.db, taskID, message); err != nil {
		logging.Error("Failed to record failure for task %s: %v", taskID, err)
	}
	if err := database.UpdateModelInstallState(m.db, modelID, database.InstallFailed, taskID); err != nil {
		logging.Warning("Failed to update install state for %s: %v", modelID, err)
	}
	m.tracker.SetError(taskID, message)
}

// GetDownloadedChecksum hashes the installed artifact for a model.
// Returns ("", nil) when no artifact exists on disk.
func (m *Manager) GetDownloadedChecksum(modelID string) (string, error) {
	pkg, err := database.GetModelPackage(m.db, modelID)
	if err != nil {
		return "", err
	}
	if pkg == nil {
		return "", nil
	}
	dest, _ := m.artifactPaths(modelID, pkg.Version)
	return fileChecksum(dest)
}

// DeletePartialFiles removes every artifact file, partial or final,
// belonging to a model.
func (m *Manager) DeletePartialFiles(modelID string) error {
	pattern := filepath.Join(m.artifactsDir, sanitizeModelID(modelID)+"@*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
	}
	return nil
}

// ArtifactPath returns where a model's installed artifact lives.
func (m *Manager) ArtifactPath(modelID, version string) string {
	dest, _ := m.artifactPaths(modelID, version)
	return dest
}

func (m *Manager) artifactPaths(modelID, version string) (dest, part string) {
	base := filepath.Join(m.artifactsDir, sanitizeModelID(modelID)+"@"+sanitizeModelID(version)+".bin")
	return base, base + ".part"
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeModelID(s string) string {
	return unsafePathChars.ReplaceAllString(strings.TrimSpace(s), "-")
}

func (m *Manager) reportFailure(kind outcome.Kind, message, taskID, modelID string) {
	m.reporter.Report("download", kind, message, map[string]string{
		"taskId":  taskID,
		"modelId": modelID,
	})
}

func (m *Manager) recoverable(message string, cause error, modelID string) outcome.Result[string] {
	tctx := map[string]string{}
	if modelID != "" {
		tctx["modelId"] = modelID
	}
	id := m.reporter.Report("download", outcome.KindRecoverable, message, tctx)
	res := outcome.Recoverable[string](message, cause).WithContext(tctx)
	res.TelemetryID = id
	return res
}

func (m *Manager) fatal(message string, cause error, modelID string) outcome.Result[string] {
	tctx := map[string]string{}
	if modelID != "" {
		tctx["modelId"] = modelID
	}
	id := m.reporter.Report("download", outcome.KindFatal, message, tctx)
	res := outcome.Fatal[string](message, cause).
		WithSupportContact(m.supportContact).
		WithContext(tctx)
	res.TelemetryID = id
	return res
}

func mapUnit(r outcome.Result[string]) outcome.Result[outcome.Unit] {
	return outcome.MapFailure[outcome.Unit](r)
}
