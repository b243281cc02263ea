// Package config loads flusherd's process configuration, following the
// same global -> project -> explicit -> CLI precedence chain the teacher's
// root config.go uses, over hujson (JSON with comments and trailing
// commas) instead of plain JSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

// Config holds flusherd's tunables, mirroring [flusher.Config] plus the
// process-level knobs the engine itself has no opinion about.
type Config struct {
	DataDir string `json:"data_dir,omitempty"` //nolint:tagliatelle

	IndexSizeSoftLimitBytes            int64 `json:"index_size_soft_limit_bytes,omitempty"`            //nolint:tagliatelle
	FullScanThresholdKB                int64 `json:"full_scan_threshold_kb,omitempty"`                  //nolint:tagliatelle
	IncrementalMultipartThresholdBytes int64 `json:"incremental_multipart_threshold_bytes,omitempty"`   //nolint:tagliatelle
	MaxCheckpointAgeSeconds            int64 `json:"max_checkpoint_age_seconds,omitempty"`              //nolint:tagliatelle
	DefaultDocumentsPageSize           int   `json:"default_documents_page_size,omitempty"`             //nolint:tagliatelle
	VectorIndexWorkerPageSize          int   `json:"vector_index_worker_page_size,omitempty"`           //nolint:tagliatelle

	PollInterval string `json:"poll_interval,omitempty"` //nolint:tagliatelle
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".searchflush.jsonc"

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("failed to read config file")
	errConfigInvalid      = errors.New("invalid config")
	errDataDirEmpty       = errors.New("data_dir must not be empty")
)

// DefaultConfig returns the built-in defaults, used as the base of the
// precedence chain.
func DefaultConfig() Config {
	return Config{
		DataDir:                            ".searchflush",
		IndexSizeSoftLimitBytes:            512 << 20,
		FullScanThresholdKB:                4096,
		IncrementalMultipartThresholdBytes: 16 << 20,
		MaxCheckpointAgeSeconds:            300,
		DefaultDocumentsPageSize:           200,
		VectorIndexWorkerPageSize:          200,
		PollInterval:                       "5s",
	}
}

// Sources tracks which config files were actually loaded, for diagnostics.
type Sources struct {
	Global  string
	Project string
}

// getGlobalConfigPath returns $XDG_CONFIG_HOME/searchflush/config.jsonc,
// falling back to ~/.config/searchflush/config.jsonc.
func getGlobalConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "searchflush", "config.jsonc")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "searchflush", "config.jsonc")
	}

	return ""
}

// Load loads configuration with the following precedence (highest wins):
//  1. Defaults
//  2. Global user config
//  3. Project config file (ConfigFileName in workDir), or an explicit file
//     at configPath if non-empty
//  4. CLI overrides
func Load(workDir, configPath string, cliOverrides Config) (Config, Sources, error) {
	cfg := DefaultConfig()

	var sources Sources

	globalCfg, globalPath, err := loadGlobalConfig()
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	cfg = mergeConfig(cfg, cliOverrides)

	if err := validateConfig(cfg); err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

func loadGlobalConfig() (Config, string, error) {
	path := getGlobalConfigPath()
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var file string

	var mustExist bool

	if configPath != "" {
		file = configPath
		if !filepath.IsAbs(file) {
			file = filepath.Join(workDir, file)
		}

		mustExist = true

		if _, err := os.Stat(file); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	} else {
		file = filepath.Join(workDir, ConfigFileName)
	}

	cfg, loaded, err := loadConfigFile(file, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, file, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid jsonc: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid json: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.DataDir != "" {
		base.DataDir = overlay.DataDir
	}

	if overlay.IndexSizeSoftLimitBytes != 0 {
		base.IndexSizeSoftLimitBytes = overlay.IndexSizeSoftLimitBytes
	}

	if overlay.FullScanThresholdKB != 0 {
		base.FullScanThresholdKB = overlay.FullScanThresholdKB
	}

	if overlay.IncrementalMultipartThresholdBytes != 0 {
		base.IncrementalMultipartThresholdBytes = overlay.IncrementalMultipartThresholdBytes
	}

	if overlay.MaxCheckpointAgeSeconds != 0 {
		base.MaxCheckpointAgeSeconds = overlay.MaxCheckpointAgeSeconds
	}

	if overlay.DefaultDocumentsPageSize != 0 {
		base.DefaultDocumentsPageSize = overlay.DefaultDocumentsPageSize
	}

	if overlay.VectorIndexWorkerPageSize != 0 {
		base.VectorIndexWorkerPageSize = overlay.VectorIndexWorkerPageSize
	}

	if overlay.PollInterval != "" {
		base.PollInterval = overlay.PollInterval
	}

	return base
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errDataDirEmpty
	}

	if _, err := time.ParseDuration(cfg.PollInterval); err != nil {
		return fmt.Errorf("%w: poll_interval %q: %w", errConfigInvalid, cfg.PollInterval, err)
	}

	return nil
}

// PollIntervalDuration parses the configured poll interval.
func (c Config) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	return d
}

// MaxCheckpointAge returns the configured checkpoint-age threshold as a
// [time.Duration].
func (c Config) MaxCheckpointAge() time.Duration {
	return time.Duration(c.MaxCheckpointAgeSeconds) * time.Second
}

// FormatConfig renders cfg as indented JSON.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(data), nil
}
