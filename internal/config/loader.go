// Package config loads qcsync settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rpattn/qcsync/internal/db"
	"github.com/rpattn/qcsync/internal/domain"
	"github.com/rpattn/qcsync/internal/redcap"
)

// Ledger backends.
const (
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config is the complete runtime configuration. Every output location is
// derived from OutputDir; nothing is written relative to the working directory.
type Config struct {
	OutputDir   string
	UploadPath  string
	FilePattern string
	MetricsFile string

	REDCap redcap.Config
	Ledger LedgerConfig
	Fields FieldConfig
	Upload UploadConfig
	Log    LogConfig
}

// LedgerConfig selects where fingerprints and the upload log are stored.
type LedgerConfig struct {
	Backend           string
	Path              string
	HashAlgorithm     string
	VerifyHashOnTouch bool
	RetentionDays     int
	Database          db.Config
}

// FieldConfig names the fields the upload engine treats specially.
type FieldConfig struct {
	PrimaryID        string
	Event            string
	RepeatInstrument string
	RepeatInstance   string
	RunMarker        string
	Status           string
	History          string
	ReservedPrefix   string
	Exclude          []string
}

// UploadConfig holds orchestrator policy.
type UploadConfig struct {
	SnapshotScope      string
	DedupePolicy       string
	ValidateDictionary bool
	StrictDictionary   bool
	AuditLayout        string
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		OutputDir:   "output",
		UploadPath:  "upload_ready",
		FilePattern: "*.csv",
		REDCap:      redcap.DefaultConfig(),
		Ledger: LedgerConfig{
			Backend:           BackendJSON,
			HashAlgorithm:     "sha256",
			VerifyHashOnTouch: true,
			RetentionDays:     30,
			Database:          db.DefaultConfig(),
		},
		Fields: FieldConfig{
			PrimaryID:        "ptid",
			Event:            "redcap_event_name",
			RepeatInstrument: "redcap_repeat_instrument",
			RepeatInstance:   "redcap_repeat_instance",
			RunMarker:        "qc_last_run",
			Status:           "qc_status",
			History:          "qc_results",
			ReservedPrefix:   "redcap_",
		},
		Upload: UploadConfig{
			SnapshotScope: string(domain.SnapshotScopeTargeted),
			DedupePolicy:  "marker",
			AuditLayout:   "2006-01-02 15:04:05",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads qcsync.yaml from path (a directory or a file), then applies
// QCSYNC_* environment overrides and the REDCAP_* / DB_* variables. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("qcsync")
		v.SetConfigType("yaml")
		if path == "" {
			path = "."
		}
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix("QCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string][]string{
		"redcap.url":               {"QCSYNC_REDCAP_URL", "REDCAP_API_URL"},
		"redcap.token":             {"QCSYNC_REDCAP_TOKEN", "REDCAP_API_TOKEN"},
		"redcap.timeout":           {"QCSYNC_REDCAP_TIMEOUT", "REDCAP_TIMEOUT"},
		"redcap.max_retries":       {"QCSYNC_REDCAP_MAX_RETRIES", "REDCAP_MAX_RETRIES"},
		"redcap.retry_delay":       {"QCSYNC_REDCAP_RETRY_DELAY", "REDCAP_RETRY_DELAY"},
		"redcap.batch_size":        {"QCSYNC_REDCAP_BATCH_SIZE", "BATCH_SIZE"},
		"upload_path":              {"QCSYNC_UPLOAD_PATH", "UPLOAD_READY_PATH"},
		"ledger.database.url":      {"QCSYNC_LEDGER_DATABASE_URL", "DATABASE_URL"},
		"ledger.database.host":     {"QCSYNC_LEDGER_DATABASE_HOST", "DB_HOST"},
		"ledger.database.port":     {"QCSYNC_LEDGER_DATABASE_PORT", "DB_PORT"},
		"ledger.database.user":     {"QCSYNC_LEDGER_DATABASE_USER", "DB_USER"},
		"ledger.database.password": {"QCSYNC_LEDGER_DATABASE_PASSWORD", "DB_PASSWORD"},
		"ledger.database.dbname":   {"QCSYNC_LEDGER_DATABASE_DBNAME", "DB_DBNAME"},
		"ledger.database.sslmode":  {"QCSYNC_LEDGER_DATABASE_SSLMODE", "DB_SSLMODE"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return cfg, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		slog.Debug("no qcsync.yaml found, using defaults and env vars", "path", path)
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	setString(v, "output_dir", &cfg.OutputDir)
	setString(v, "upload_path", &cfg.UploadPath)
	setString(v, "file_pattern", &cfg.FilePattern)
	setString(v, "metrics_file", &cfg.MetricsFile)

	setString(v, "redcap.url", &cfg.REDCap.URL)
	setString(v, "redcap.token", &cfg.REDCap.Token)
	setInt(v, "redcap.max_retries", &cfg.REDCap.MaxRetries)
	setInt(v, "redcap.batch_size", &cfg.REDCap.BatchSize)
	setInt(v, "redcap.rate_burst", &cfg.REDCap.RateBurst)
	if v.IsSet("redcap.rate_limit") {
		cfg.REDCap.RateLimit = v.GetFloat64("redcap.rate_limit")
	}
	if err := setDuration(v, "redcap.timeout", &cfg.REDCap.Timeout); err != nil {
		return cfg, err
	}
	if err := setDuration(v, "redcap.retry_delay", &cfg.REDCap.RetryDelay); err != nil {
		return cfg, err
	}

	setString(v, "ledger.backend", &cfg.Ledger.Backend)
	setString(v, "ledger.path", &cfg.Ledger.Path)
	setString(v, "ledger.hash_algorithm", &cfg.Ledger.HashAlgorithm)
	setBool(v, "ledger.verify_hash_on_touch", &cfg.Ledger.VerifyHashOnTouch)
	setInt(v, "ledger.retention_days", &cfg.Ledger.RetentionDays)
	setString(v, "ledger.database.url", &cfg.Ledger.Database.URL)
	setString(v, "ledger.database.host", &cfg.Ledger.Database.Host)
	setInt(v, "ledger.database.port", &cfg.Ledger.Database.Port)
	setString(v, "ledger.database.user", &cfg.Ledger.Database.User)
	setString(v, "ledger.database.password", &cfg.Ledger.Database.Password)
	setString(v, "ledger.database.dbname", &cfg.Ledger.Database.DBName)
	setString(v, "ledger.database.sslmode", &cfg.Ledger.Database.SSLMode)

	setString(v, "fields.primary_id", &cfg.Fields.PrimaryID)
	setString(v, "fields.event", &cfg.Fields.Event)
	setString(v, "fields.repeat_instrument", &cfg.Fields.RepeatInstrument)
	setString(v, "fields.repeat_instance", &cfg.Fields.RepeatInstance)
	setString(v, "fields.run_marker", &cfg.Fields.RunMarker)
	setString(v, "fields.status", &cfg.Fields.Status)
	setString(v, "fields.history", &cfg.Fields.History)
	setString(v, "fields.reserved_prefix", &cfg.Fields.ReservedPrefix)
	if v.IsSet("fields.exclude") {
		cfg.Fields.Exclude = v.GetStringSlice("fields.exclude")
	}

	setString(v, "upload.snapshot_scope", &cfg.Upload.SnapshotScope)
	setString(v, "upload.dedupe_policy", &cfg.Upload.DedupePolicy)
	setBool(v, "upload.validate_dictionary", &cfg.Upload.ValidateDictionary)
	setBool(v, "upload.strict_dictionary", &cfg.Upload.StrictDictionary)
	setString(v, "upload.audit_layout", &cfg.Upload.AuditLayout)

	setString(v, "log.level", &cfg.Log.Level)
	setString(v, "log.format", &cfg.Log.Format)

	return cfg, nil
}

// Validate checks enumerations and numeric bounds. Remote credentials are
// checked separately by RequireRemote since offline commands do not need them.
func (c Config) Validate() error {
	var problems []string

	switch c.Ledger.Backend {
	case BackendJSON, BackendSQLite, BackendPostgres, BackendMemory:
	default:
		problems = append(problems, fmt.Sprintf("ledger.backend must be one of json, sqlite, postgres, memory (got %q)", c.Ledger.Backend))
	}
	switch domain.SnapshotScope(c.Upload.SnapshotScope) {
	case domain.SnapshotScopeFull, domain.SnapshotScopeTargeted:
	default:
		problems = append(problems, fmt.Sprintf("upload.snapshot_scope must be full or targeted (got %q)", c.Upload.SnapshotScope))
	}
	switch c.Upload.DedupePolicy {
	case "marker", "marker-or-content":
	default:
		problems = append(problems, fmt.Sprintf("upload.dedupe_policy must be marker or marker-or-content (got %q)", c.Upload.DedupePolicy))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format must be text or json (got %q)", c.Log.Format))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		problems = append(problems, "output_dir is required")
	}
	if strings.TrimSpace(c.Fields.PrimaryID) == "" {
		problems = append(problems, "fields.primary_id is required")
	}
	if strings.TrimSpace(c.Fields.RunMarker) == "" {
		problems = append(problems, "fields.run_marker is required")
	}
	if c.REDCap.BatchSize <= 0 {
		problems = append(problems, "redcap.batch_size must be positive")
	}
	if c.REDCap.MaxRetries < 0 {
		problems = append(problems, "redcap.max_retries must not be negative")
	}
	if c.Ledger.RetentionDays <= 0 {
		problems = append(problems, "ledger.retention_days must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RequireRemote checks that the remote store is reachable in principle.
func (c Config) RequireRemote() error {
	var missing []string
	if strings.TrimSpace(c.REDCap.URL) == "" {
		missing = append(missing, "REDCAP_API_URL")
	}
	if strings.TrimSpace(c.REDCap.Token) == "" {
		missing = append(missing, "REDCAP_API_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing remote configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IdentityScheme builds the record identity from the configured field names.
func (c Config) IdentityScheme() domain.IdentityScheme {
	return domain.IdentityScheme{
		PrimaryIDField:        c.Fields.PrimaryID,
		EventField:            c.Fields.Event,
		RepeatInstrumentField: c.Fields.RepeatInstrument,
		RepeatInstanceField:   c.Fields.RepeatInstance,
	}
}

// LedgerPath is the fingerprint ledger location for file-backed backends.
func (c Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	switch c.Ledger.Backend {
	case BackendSQLite:
		return filepath.Join(c.OutputDir, "qcsync.db")
	default:
		return filepath.Join(c.OutputDir, "file_tracking.json")
	}
}

// UploadLogPath is the JSON upload log location.
func (c Config) UploadLogPath() string {
	return filepath.Join(c.OutputDir, "upload_log.json")
}

// Retention is the ledger sweep cutoff.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Ledger.RetentionDays) * 24 * time.Hour
}

func setString(v *viper.Viper, key string, target *string) {
	if v.IsSet(key) {
		*target = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, target *int) {
	if v.IsSet(key) {
		*target = v.GetInt(key)
	}
}

func setBool(v *viper.Viper, key string, target *bool) {
	if v.IsSet(key) {
		*target = v.GetBool(key)
	}
}

// setDuration accepts Go durations ("30s") and bare numbers of seconds ("30",
// "1.5"), the form the REDCAP_* variables use.
func setDuration(v *viper.Viper, key string, target *time.Duration) error {
	if !v.IsSet(key) {
		return nil
	}
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return nil
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		*target = time.Duration(seconds * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	*target = d
	return nil
}
