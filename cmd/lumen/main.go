// Package main is the entry point for the lumen model acquisition daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lumen/internal/auth"
	"lumen/internal/catalog"
	"lumen/internal/config"
	"lumen/internal/credentials"
	"lumen/internal/database"
	"lumen/internal/download"
	"lumen/internal/identity"
	"lumen/internal/logging"
	"lumen/internal/maintenance"
	"lumen/internal/manifest"
	"lumen/internal/telemetry"
	"lumen/internal/version"
)

func main() {
	// Load .env file if it exists (for development)
	if err := godotenv.Load(); err != nil {
		if os.Getenv("DEBUG") == "true" {
			fmt.Fprintf(os.Stderr, "No .env file found or error loading it: %v\n", err)
		}
	}

	// Handle version flag first, before loading configuration
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version" || os.Args[1] == "version") {
		info := version.Get()
		fmt.Printf("lumen version %s\n", info.Version)
		fmt.Printf("  commit: %s\n", info.Commit)
		fmt.Printf("  built: %s\n", info.BuildDate)
		fmt.Printf("  go: %s\n", info.GoVersion)
		fmt.Printf("  platform: %s\n", info.Platform)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.LogDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := logging.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close log file: %v\n", err)
		}
	}()

	ctx := context.Background()
	shutdownTelemetry, err := telemetry.InitializeFromEnv(ctx)
	if err != nil {
		logging.Warning("Telemetry disabled: %v", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTelemetry(ctx); err != nil {
			logging.Warning("Telemetry shutdown: %v", err)
		}
	}()

	if err := database.Initialize(cfg.DatabasePath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			logging.Error("Failed to close database: %v", err)
		}
	}()
	db := database.GetDB()

	timeout := time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	ident := identity.NewHostProvider()
	store := credentials.NewFileStore(cfg.CredentialPath, ident.DeviceID())
	reporter := telemetry.NewSpanReporter()

	oauthClient := auth.NewHTTPOAuthClient(cfg.OAuthBaseURL, timeout)
	coordinator := auth.NewCoordinator(oauthClient, store, reporter, cfg.OAuthClientID, cfg.SupportContact)

	catalogClient := manifest.NewHTTPCatalogClient(cfg.CatalogBaseURL, timeout, coordinator.AccessToken)
	hub := manifest.NewHubFetcher("", timeout, coordinator.AccessToken)
	manifests := manifest.NewRepository(db, catalogClient, hub, reporter, ident, cfg.SupportContact)

	manager := download.NewManager(db, manifests, reporter, cfg.GetArtifactsDir(), cfg.SupportContact, cfg.MaxConcurrentDownloads)
	defer manager.Close()

	if len(os.Args) > 1 {
		os.Exit(runCommand(ctx, os.Args[1:], manager, coordinator, cfg.OAuthScope))
	}

	runDaemon(manager)
}

func runCommand(ctx context.Context, args []string, manager *download.Manager, coordinator *auth.Coordinator, oauthScope string) int {
	switch args[0] {
	case "download":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: lumen download <model-id>")
			return 2
		}
		return cmdDownload(ctx, manager, args[1])
	case "auth":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: lumen auth login | lumen auth token <token>")
			return 2
		}
		switch args[1] {
		case "login":
			return cmdAuthLogin(ctx, coordinator, oauthScope)
		case "token":
			if len(args) < 3 {
				fmt.Fprintln(os.Stderr, "usage: lumen auth token <token>")
				return 2
			}
			return cmdAuthToken(ctx, coordinator, args[2])
		}
		fmt.Fprintf(os.Stderr, "unknown auth command %q\n", args[1])
		return 2
	case "status":
		return cmdStatus(manager)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		return 2
	}
}

func cmdDownload(ctx context.Context, manager *download.Manager, modelID string) int {
	res := manager.StartDownload(ctx, modelID)
	if !res.IsSuccess() {
		fmt.Fprintf(os.Stderr, "Download failed to start: %s\n", res.Message)
		if res.SupportContact != "" {
			fmt.Fprintf(os.Stderr, "Contact %s (reference %s)\n", res.SupportContact, res.TelemetryID)
		}
		return 1
	}
	taskID := res.Value
	fmt.Printf("Downloading %s (task %s)\n", modelID, taskID)

	for {
		time.Sleep(500 * time.Millisecond)
		task, err := database.GetTask(database.GetDB(), taskID)
		if err != nil || task == nil {
			fmt.Fprintln(os.Stderr, "\nTask disappeared")
			return 1
		}
		switch task.Status {
		case database.TaskCompleted:
			fmt.Printf("\rDone: %d bytes\n", task.BytesDownloaded)
			return 0
		case database.TaskFailed:
			fmt.Fprintf(os.Stderr, "\nDownload failed: %s\n", task.ErrorMessage.String)
			return 1
		case database.TaskCancelled:
			fmt.Fprintln(os.Stderr, "\nDownload cancelled")
			return 1
		case database.TaskPaused:
			fmt.Fprintln(os.Stderr, "\nDownload is paused")
			return 0
		default:
			obs := manager.Progress(taskID)
			if obs.TotalBytes > 0 {
				fmt.Printf("\r%.1f%% (%d / %d bytes) %s   ",
					obs.Fraction*100, obs.BytesDownloaded, obs.TotalBytes, obs.EstimatedTimeRemaining)
			}
		}
	}
}

func cmdAuthLogin(ctx context.Context, coordinator *auth.Coordinator, scope string) int {
	done := make(chan auth.AuthState, 8)
	coordinator.OnStateChange(func(s auth.AuthState) {
		if s != auth.StateAwaitingAuthorization {
			done <- s
		}
	})

	res := coordinator.BeginDeviceAuthorization(ctx, scope)
	if !res.IsSuccess() {
		fmt.Fprintf(os.Stderr, "Sign-in failed: %s\n", res.Message)
		return 1
	}

	fmt.Printf("Visit %s and enter code %s\n", res.Value.VerificationURI, res.Value.UserCode)
	if res.Value.VerificationURIComplete != "" {
		fmt.Printf("Or open %s\n", res.Value.VerificationURIComplete)
	}

	state := <-done
	if state != auth.StateAuthenticated {
		if msg := coordinator.LastError(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		} else {
			fmt.Fprintln(os.Stderr, "Sign-in was not completed")
		}
		return 1
	}
	if acct := coordinator.Account(); acct != nil {
		fmt.Printf("Signed in as %s\n", acct.Email)
	} else {
		fmt.Println("Signed in")
	}
	return 0
}

func cmdAuthToken(ctx context.Context, coordinator *auth.Coordinator, token string) int {
	res := coordinator.SavePersonalAccessToken(ctx, token)
	if !res.IsSuccess() {
		fmt.Fprintf(os.Stderr, "Token rejected: %s\n", res.Message)
		return 1
	}
	fmt.Printf("Signed in as %s\n", res.Value.Email)
	return 0
}

func cmdStatus(manager *download.Manager) int {
	models, err := catalog.ListAll(database.GetDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list models: %v\n", err)
		return 1
	}

	active := make(map[string]download.Observation)
	for _, obs := range manager.Snapshot() {
		active[obs.ModelID] = obs
	}

	fmt.Printf("%-24s %-12s %-16s %s\n", "MODEL", "VERSION", "STATE", "PROGRESS")
	for _, m := range models {
		progress := ""
		if obs, ok := active[m.ModelID]; ok && obs.TotalBytes > 0 {
			progress = fmt.Sprintf("%.1f%%", obs.Fraction*100)
		}
		fmt.Printf("%-24s %-12s %-16s %s\n", m.ModelID, m.Version, m.InstallState, progress)
	}
	return 0
}

func runDaemon(manager *download.Manager) {
	if err := manager.RecoverPendingTasks(); err != nil {
		logging.Error("Task recovery failed: %v", err)
	}

	housekeeping, err := maintenance.New(database.GetDB())
	if err != nil {
		logging.Error("Failed to schedule maintenance: %v", err)
	} else {
		housekeeping.Start()
		defer housekeeping.Stop()
	}

	logging.Info("lumen %s ready", version.Get().Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("Received %s, shutting down", sig)
}
