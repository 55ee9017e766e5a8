package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the application
type Config struct {
	// ArtifactsDir is the directory where downloaded model artifacts are stored
	ArtifactsDir string `toml:"artifacts_dir"`

	// DatabasePath is the path to the SQLite database file
	DatabasePath string `toml:"database_path"`

	// LogDir is the directory for log files
	LogDir string `toml:"log_dir"`

	// CredentialPath is the path to the encrypted credential file
	CredentialPath string `toml:"credential_path"`

	// CatalogBaseURL is the first-party model catalog endpoint (HTTPS only)
	CatalogBaseURL string `toml:"catalog_base_url"`

	// OAuthBaseURL is the authorization server endpoint (HTTPS only)
	OAuthBaseURL string `toml:"oauth_base_url"`

	// OAuthClientID identifies this client to the authorization server
	OAuthClientID string `toml:"oauth_client_id"`

	// OAuthScope is the scope requested during device authorization.
	// Empty means the server's default scopes.
	OAuthScope string `toml:"oauth_scope"`

	// SupportContact is surfaced on fatal errors that need a human
	SupportContact string `toml:"support_contact"`

	// MaxConcurrentDownloads caps simultaneous artifact transfers
	MaxConcurrentDownloads int `toml:"max_concurrent_downloads"`

	// HTTPTimeoutSeconds applies to every outbound HTTP call
	HTTPTimeoutSeconds int `toml:"http_timeout_seconds"`
}

// defaultConfig returns the default configuration based on the platform
func defaultConfig() *Config {
	config := &Config{
		DatabasePath:           "lumen.db",
		CredentialPath:         "credential.bin",
		LogDir:                 "logs",
		CatalogBaseURL:         "https://catalog.lumen.app",
		OAuthBaseURL:           "https://auth.lumen.app",
		OAuthClientID:          "lumen-device",
		SupportContact:         "support@lumen.app",
		MaxConcurrentDownloads: 1,
		HTTPTimeoutSeconds:     30,
	}

	// Platform-specific defaults for ArtifactsDir
	switch runtime.GOOS {
	case "linux":
		config.ArtifactsDir = "/var/lib/lumen/models"
	case "darwin":
		config.ArtifactsDir = "./models"
	default:
		config.ArtifactsDir = "./models"
	}

	return config
}

// Load loads the configuration from file and environment variables
func Load() (*Config, error) {
	// Start with default configuration
	config := defaultConfig()

	// Try to load from config.toml if it exists
	configPath := "config.toml"
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	// Override with environment variables if set
	if artifactsDir := os.Getenv("LUMEN_ARTIFACTS_DIR"); artifactsDir != "" {
		config.ArtifactsDir = artifactsDir
	}

	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		config.DatabasePath = dbPath
	}

	if catalogURL := os.Getenv("LUMEN_CATALOG_URL"); catalogURL != "" {
		config.CatalogBaseURL = catalogURL
	}

	if oauthURL := os.Getenv("LUMEN_OAUTH_URL"); oauthURL != "" {
		config.OAuthBaseURL = oauthURL
	}

	if clientID := os.Getenv("LUMEN_OAUTH_CLIENT_ID"); clientID != "" {
		config.OAuthClientID = clientID
	}

	if scope := os.Getenv("LUMEN_OAUTH_SCOPE"); scope != "" {
		config.OAuthScope = scope
	}

	if maxDownloads := os.Getenv("LUMEN_MAX_CONCURRENT_DOWNLOADS"); maxDownloads != "" {
		n, err := strconv.Atoi(maxDownloads)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid LUMEN_MAX_CONCURRENT_DOWNLOADS: %q", maxDownloads)
		}
		config.MaxConcurrentDownloads = n
	}

	// Catalog and OAuth endpoints must be HTTPS
	for name, u := range map[string]string{
		"catalog_base_url": config.CatalogBaseURL,
		"oauth_base_url":   config.OAuthBaseURL,
	} {
		if !strings.HasPrefix(u, "https://") {
			return nil, fmt.Errorf("%s must use HTTPS, got %q", name, u)
		}
	}

	// Ensure ArtifactsDir is absolute
	if !filepath.IsAbs(config.ArtifactsDir) {
		absPath, err := filepath.Abs(config.ArtifactsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for artifacts_dir: %w", err)
		}
		config.ArtifactsDir = absPath
	}

	return config, nil
}

// GetArtifactsDir returns the configured artifacts directory
func (c *Config) GetArtifactsDir() string {
	return c.ArtifactsDir
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("ArtifactsDir: %s", c.ArtifactsDir))
	parts = append(parts, fmt.Sprintf("DatabasePath: %s", c.DatabasePath))
	parts = append(parts, fmt.Sprintf("CatalogBaseURL: %s", c.CatalogBaseURL))
	parts = append(parts, fmt.Sprintf("OAuthBaseURL: %s", c.OAuthBaseURL))
	return strings.Join(parts, ", ")
}
