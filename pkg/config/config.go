package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/fsutil"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultRuns is the default number of suite executions per experiment.
	DefaultRuns = 30

	// DefaultOutputDir is the default directory for experiment artifacts.
	DefaultOutputDir = "./log"

	// DefaultSubjectTimeout bounds a single build-and-test execution.
	DefaultSubjectTimeout = 40 * time.Minute

	// DefaultReportPattern matches surefire/failsafe style XML reports.
	DefaultReportPattern = "TEST*.xml"

	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "FLAKEOOR"
)

// Config is the root configuration for flakeoor.
type Config struct {
	Global     GlobalConfig     `yaml:"global"`
	Experiment ExperimentConfig `yaml:"experiment"`
	Subject    SubjectConfig    `yaml:"subject"`
	Report     ReportConfig     `yaml:"report"`
	Store      StoreConfig      `yaml:"store"`
	Upload     UploadConfig     `yaml:"upload"`
	API        APIConfig        `yaml:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`

	// SubjectOutputToStdout mirrors the subject's combined output to the
	// harness stdout in addition to the per-run output file.
	SubjectOutputToStdout bool `yaml:"subject_output_to_stdout"`
}

// ExperimentConfig contains experiment-level settings.
type ExperimentConfig struct {
	Runs      int    `yaml:"runs"`
	OutputDir string `yaml:"output_dir"`

	// OutputOwner is an optional "UID:GID" to chown artifacts to, for
	// harnesses running as root on behalf of another user.
	OutputOwner string `yaml:"output_owner,omitempty"`
}

// SubjectConfig describes how to invoke the subject under test.
type SubjectConfig struct {
	// Command is a shell line performing one full build-and-test cycle.
	Command string `yaml:"command"`

	// Workdir is the directory the command runs in.
	Workdir string `yaml:"workdir"`

	// Environment entries are appended to the harness environment.
	Environment map[string]string `yaml:"environment,omitempty"`

	// Timeout bounds a single execution; the process is killed on expiry.
	Timeout time.Duration `yaml:"timeout"`

	// SetupCommands run before every execution (e.g. dropping and
	// rebuilding the subject's database). Their failures are logged but
	// do not skip the run.
	SetupCommands []string `yaml:"setup_commands,omitempty"`
}

// ReportConfig describes where the subject writes its structured
// test-report artifacts.
type ReportConfig struct {
	// Dirs are report directories relative to the subject workdir.
	Dirs []string `yaml:"dirs"`

	// Pattern is the filename glob for report files within each dir.
	Pattern string `yaml:"pattern"`
}

// StoreConfig configures optional database persistence of results.
type StoreConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig contains sqlite driver settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains postgres driver settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// UploadConfig configures optional artifact uploads.
type UploadConfig struct {
	S3 *S3UploadConfig `yaml:"s3,omitempty"`
}

// S3UploadConfig contains S3-compatible storage settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	EndpointURL     string `yaml:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// APIConfig configures the results API server.
type APIConfig struct {
	Listen             string          `yaml:"listen"`
	CORSAllowedOrigins []string        `yaml:"cors_allowed_origins"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
	Auth               AuthConfig      `yaml:"auth"`
}

// RateLimitConfig configures per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// AuthConfig configures basic authentication for the API server.
type AuthConfig struct {
	Enabled bool            `yaml:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty"`
}

// BasicAuthUser is a username plus bcrypt password hash.
type BasicAuthUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Experiment.Runs == 0 {
		c.Experiment.Runs = DefaultRuns
	}

	if c.Experiment.OutputDir == "" {
		c.Experiment.OutputDir = DefaultOutputDir
	}

	if c.Subject.Timeout == 0 {
		c.Subject.Timeout = DefaultSubjectTimeout
	}

	if c.Report.Pattern == "" {
		c.Report.Pattern = DefaultReportPattern
	}

	if c.Store.Enabled && c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}

	if c.Store.Driver == "sqlite" && c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "flakeoor.db"
	}

	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute == 0 {
		c.API.RateLimit.RequestsPerMinute = 120
	}
}

// applyEnvOverrides overrides scalar fields from FLAKEOOR_* variables.
func (c *Config) applyEnvOverrides() {
	overrideString(&c.Global.LogLevel, "GLOBAL_LOG_LEVEL")
	overrideBool(&c.Global.SubjectOutputToStdout, "GLOBAL_SUBJECT_OUTPUT_TO_STDOUT")
	overrideInt(&c.Experiment.Runs, "EXPERIMENT_RUNS")
	overrideString(&c.Experiment.OutputDir, "EXPERIMENT_OUTPUT_DIR")
	overrideString(&c.Experiment.OutputOwner, "EXPERIMENT_OUTPUT_OWNER")
	overrideString(&c.Subject.Command, "SUBJECT_COMMAND")
	overrideString(&c.Subject.Workdir, "SUBJECT_WORKDIR")
	overrideDuration(&c.Subject.Timeout, "SUBJECT_TIMEOUT")
	overrideString(&c.Store.Driver, "STORE_DRIVER")
	overrideString(&c.Store.SQLite.Path, "STORE_SQLITE_PATH")
	overrideString(&c.Store.Postgres.Password, "STORE_POSTGRES_PASSWORD")
	overrideString(&c.API.Listen, "API_LISTEN")

	if c.Upload.S3 != nil {
		overrideString(&c.Upload.S3.AccessKeyID, "UPLOAD_S3_ACCESS_KEY_ID")
		overrideString(&c.Upload.S3.SecretAccessKey, "UPLOAD_S3_SECRET_ACCESS_KEY")
	}
}

func overrideString(target *string, suffix string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + suffix); ok {
		*target = v
	}
}

func overrideBool(target *bool, suffix string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + suffix); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*target = parsed
		}
	}
}

func overrideInt(target *int, suffix string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + suffix); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}

func overrideDuration(target *time.Duration, suffix string) {
	if v, ok := os.LookupEnv(EnvPrefix + "_" + suffix); ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			*target = parsed
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Experiment.Runs < 0 {
		return fmt.Errorf("experiment.runs must not be negative, got %d", c.Experiment.Runs)
	}

	if c.Subject.Command == "" {
		return fmt.Errorf("subject.command is required")
	}

	if c.Subject.Timeout < 0 {
		return fmt.Errorf("subject.timeout must not be negative")
	}

	if len(c.Report.Dirs) == 0 {
		return fmt.Errorf("at least one report directory must be configured")
	}

	if c.Subject.Workdir != "" {
		if info, err := os.Stat(c.Subject.Workdir); err != nil || !info.IsDir() {
			return fmt.Errorf("subject workdir %q does not exist", c.Subject.Workdir)
		}
	}

	if _, err := fsutil.ParseOwner(c.Experiment.OutputOwner); err != nil {
		return fmt.Errorf("experiment.output_owner: %w", err)
	}

	if dir := filepath.Dir(c.Experiment.OutputDir); dir != "." && dir != ".." {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return fmt.Errorf("output directory parent %q does not exist", dir)
		}
	}

	if c.Store.Enabled {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("unsupported store driver %q (use \"sqlite\" or \"postgres\")", c.Store.Driver)
		}
	}

	if c.Upload.S3 != nil && c.Upload.S3.Enabled && c.Upload.S3.Bucket == "" {
		return fmt.Errorf("upload.s3.bucket is required when S3 upload is enabled")
	}

	if c.API.Auth.Enabled && len(c.API.Auth.Users) == 0 {
		return fmt.Errorf("api.auth is enabled but no users are configured")
	}

	return nil
}

// ReportDirs returns the report directories resolved against the
// subject workdir.
func (c *Config) ReportDirs() []string {
	dirs := make([]string, 0, len(c.Report.Dirs))

	for _, d := range c.Report.Dirs {
		if filepath.IsAbs(d) || c.Subject.Workdir == "" {
			dirs = append(dirs, d)

			continue
		}

		dirs = append(dirs, filepath.Join(c.Subject.Workdir, d))
	}

	return dirs
}

// ArtifactOwner returns the parsed artifact owner, or nil when none is
// configured. Validate catches malformed values first.
func (c *Config) ArtifactOwner() *fsutil.OwnerConfig {
	owner, err := fsutil.ParseOwner(c.Experiment.OutputOwner)
	if err != nil {
		return nil
	}

	return owner
}

// SubjectEnv returns the merged process environment for subject
// invocations.
func (c *Config) SubjectEnv() []string {
	env := os.Environ()

	for k, v := range c.Subject.Environment {
		env = append(env, k+"="+v)
	}

	return env
}

// String renders a short single-line summary used in log output.
func (c *Config) String() string {
	return fmt.Sprintf("runs=%d command=%q timeout=%s output=%s",
		c.Experiment.Runs, c.Subject.Command,
		c.Subject.Timeout, c.Experiment.OutputDir)
}
