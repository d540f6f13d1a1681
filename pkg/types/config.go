// Package types defines configuration types for Log Sentinel.
package types

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Package-level defaults
const (
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultLogOutput         = "stdout"
	DefaultScanInterval      = "10s"
	DefaultRemoteReadTimeout = "30s"
	DefaultLocalReadTimeout  = "0s"
	DefaultMaxParallel       = 8
	DefaultMaxReadBytes      = 8 << 20
	DefaultDataDir           = "./data"
	DefaultSourceMode        = "local"
	DefaultSSHPort           = 22
	DefaultThresholdMode     = ThresholdModePerCycle
	DefaultStorageDriver     = "sqlite"
	DefaultDedupCacheSize    = 10000
	DefaultCheckpointBackend = "database"
	DefaultMaintenanceAt     = "03:30"
	DefaultAlertTimeout      = "10s"
	DefaultSMTPPort          = 587
	DefaultNATSSubject       = "log-sentinel.alerts"
	DefaultMetricsPort       = 9464
	DefaultMetricsPath       = "/metrics"
	DefaultMetricsNamespace  = "log_sentinel"
	DefaultHealthPort        = 8080
	DefaultHealthBindAddress = "0.0.0.0"

	ConfigAPIVersion = "log-sentinel.supporttools.io/v1alpha1"
	ConfigKind       = "LogSentinelConfig"

	MinScanInterval = 1 * time.Second
)

// Threshold modes
const (
	ThresholdModePerCycle   = "per-cycle"
	ThresholdModeCumulative = "cumulative"
)

var (
	// DefaultFilenameGlobs select files inside configured directories.
	DefaultFilenameGlobs = []string{"*.log", "*.out", "*.txt"}

	// DefaultThresholdLimits apply when no limits are configured at all.
	DefaultThresholdLimits = map[string]int{
		string(CategoryFailedLogin): 5,
		string(CategoryCrash):       1,
		string(CategorySuspicious):  3,
	}

	categoryRegex            = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	prometheusNamespaceRegex = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

	validate = validator.New()
)

// SentinelConfig is the top-level configuration structure.
type SentinelConfig struct {
	APIVersion string           `json:"apiVersion" yaml:"apiVersion" validate:"required"`
	Kind       string           `json:"kind" yaml:"kind" validate:"required,eq=LogSentinelConfig"`
	Metadata   ConfigMetadata   `json:"metadata" yaml:"metadata"`
	Settings   GlobalSettings   `json:"settings" yaml:"settings"`
	Sources    SourcesConfig    `json:"sources" yaml:"sources"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
	Thresholds ThresholdsConfig `json:"thresholds" yaml:"thresholds"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Alerts     AlertsConfig     `json:"alerts" yaml:"alerts"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Health     HealthConfig     `json:"health" yaml:"health"`
}

// ConfigMetadata contains metadata about the configuration.
type ConfigMetadata struct {
	Name   string            `json:"name" yaml:"name" validate:"required"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// GlobalSettings contains process-wide settings.
type GlobalSettings struct {
	// HostName identifies this collector in alerts (defaults to os.Hostname)
	HostName string `json:"hostName" yaml:"hostName" validate:"required"`

	LogLevel  string `json:"logLevel,omitempty" yaml:"logLevel,omitempty" validate:"oneof=debug info warn error fatal"`
	LogFormat string `json:"logFormat,omitempty" yaml:"logFormat,omitempty" validate:"oneof=json text"`
	LogOutput string `json:"logOutput,omitempty" yaml:"logOutput,omitempty" validate:"oneof=stdout stderr file"`
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`

	// Intervals and timeouts (stored as strings, parsed to time.Duration)
	ScanIntervalString      string `json:"scanInterval,omitempty" yaml:"scanInterval,omitempty"`
	RemoteReadTimeoutString string `json:"remoteReadTimeout,omitempty" yaml:"remoteReadTimeout,omitempty"`
	LocalReadTimeoutString  string `json:"localReadTimeout,omitempty" yaml:"localReadTimeout,omitempty"`

	ScanInterval      time.Duration `json:"-" yaml:"-"`
	RemoteReadTimeout time.Duration `json:"-" yaml:"-"`
	LocalReadTimeout  time.Duration `json:"-" yaml:"-"`

	// MaxParallel caps the per-cycle worker pool
	MaxParallel int `json:"maxParallel,omitempty" yaml:"maxParallel,omitempty" validate:"min=1,max=256"`

	// MaxReadBytes caps how much of one source is consumed per cycle
	MaxReadBytes int64 `json:"maxReadBytes,omitempty" yaml:"maxReadBytes,omitempty" validate:"min=1"`

	DataDir string `json:"dataDir,omitempty" yaml:"dataDir,omitempty"`
}

// SourcesConfig lists the log sources to scan.
type SourcesConfig struct {
	// Mode is local, remote or mixed
	Mode          string             `json:"mode" yaml:"mode" validate:"oneof=local remote mixed"`
	FilenameGlobs []string           `json:"filenameGlobs,omitempty" yaml:"filenameGlobs,omitempty" validate:"dive,required"`
	Local         LocalSourcesConfig `json:"local,omitempty" yaml:"local,omitempty"`
	Remote        []RemoteHostConfig `json:"remote,omitempty" yaml:"remote,omitempty" validate:"dive"`
}

// LocalSourcesConfig holds local files and directories. Directories are
// expanded recursively using FilenameGlobs.
type LocalSourcesConfig struct {
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty" validate:"dive,required"`
}

// RemoteHostConfig describes one SSH host and the files to read from it.
type RemoteHostConfig struct {
	Name           string   `json:"name,omitempty" yaml:"name,omitempty"`
	Host           string   `json:"host" yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port           int      `json:"port,omitempty" yaml:"port,omitempty" validate:"min=1,max=65535"`
	Username       string   `json:"username" yaml:"username" validate:"required"`
	Password       string   `json:"password,omitempty" yaml:"password,omitempty"`
	KeyFile        string   `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
	KnownHostsFile string   `json:"knownHostsFile,omitempty" yaml:"knownHostsFile,omitempty"`
	Paths          []string `json:"paths" yaml:"paths" validate:"required,min=1,dive,required"`
}

// Endpoint converts the host entry into connection parameters.
func (r *RemoteHostConfig) Endpoint() RemoteEndpoint {
	return RemoteEndpoint{
		Host:           r.Host,
		Port:           r.Port,
		Username:       r.Username,
		Password:       r.Password,
		KeyFile:        r.KeyFile,
		KnownHostsFile: r.KnownHostsFile,
	}
}

// ClassifierConfig holds the ordered classification rules.
type ClassifierConfig struct {
	// UseDefaults appends the built-in rules after the configured ones (default true)
	UseDefaults *bool        `json:"useDefaults,omitempty" yaml:"useDefaults,omitempty"`
	Rules       []RuleConfig `json:"rules,omitempty" yaml:"rules,omitempty" validate:"dive"`
}

// UseDefaultRules reports whether built-in rules are enabled.
func (c *ClassifierConfig) UseDefaultRules() bool {
	return c.UseDefaults == nil || *c.UseDefaults
}

// RuleConfig is one classification rule.
type RuleConfig struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	Category    string `json:"category" yaml:"category" validate:"required"`
	Pattern     string `json:"pattern" yaml:"pattern" validate:"required,max=1000"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ThresholdsConfig holds the alert limits per category.
type ThresholdsConfig struct {
	// Mode is per-cycle (counts reset every cycle) or cumulative
	Mode   string         `json:"mode,omitempty" yaml:"mode,omitempty" validate:"oneof=per-cycle cumulative"`
	Limits map[string]int `json:"limits,omitempty" yaml:"limits,omitempty" validate:"dive,keys,required,endkeys,min=1"`
}

// Rules returns the configured limits ordered by category.
func (t *ThresholdsConfig) Rules() []ThresholdRule {
	rules := make([]ThresholdRule, 0, len(t.Limits))
	for category, limit := range t.Limits {
		rules = append(rules, ThresholdRule{Category: Category(category), Limit: limit})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Category < rules[j].Category })
	return rules
}

// StorageConfig configures the event store and checkpoint persistence.
type StorageConfig struct {
	// Driver is sqlite or postgres
	Driver string `json:"driver" yaml:"driver" validate:"oneof=sqlite postgres"`

	// DSN is a file path for sqlite or a connection string for postgres
	DSN string `json:"dsn" yaml:"dsn" validate:"required"`

	CSVPath        string            `json:"csvPath" yaml:"csvPath" validate:"required"`
	DedupCacheSize int               `json:"dedupCacheSize,omitempty" yaml:"dedupCacheSize,omitempty" validate:"min=0"`
	Retry          RetryConfig       `json:"retry,omitempty" yaml:"retry,omitempty"`
	Checkpoints    CheckpointConfig  `json:"checkpoints,omitempty" yaml:"checkpoints,omitempty"`
	Maintenance    MaintenanceConfig `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`
}

// CheckpointConfig selects where read cursors are persisted.
type CheckpointConfig struct {
	// Backend is database (same database as events) or file
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty" validate:"oneof=database file"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// MaintenanceConfig schedules the daily database maintenance run.
type MaintenanceConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	At      string `json:"at,omitempty" yaml:"at,omitempty"`

	// Parsed time of day
	Hour   int `json:"-" yaml:"-"`
	Minute int `json:"-" yaml:"-"`
}

// RetryConfig configures bounded exponential backoff.
type RetryConfig struct {
	MaxAttempts     int           `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	BaseDelayString string        `json:"baseDelay,omitempty" yaml:"baseDelay,omitempty"`
	MaxDelayString  string        `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty"`
	BaseDelay       time.Duration `json:"-" yaml:"-"`
	MaxDelay        time.Duration `json:"-" yaml:"-"`
}

// AlertsConfig configures the alert channels.
type AlertsConfig struct {
	TimeoutString string          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Timeout       time.Duration   `json:"-" yaml:"-"`
	Email         *EmailConfig    `json:"email,omitempty" yaml:"email,omitempty"`
	Webhooks      []WebhookConfig `json:"webhooks,omitempty" yaml:"webhooks,omitempty" validate:"dive"`
	NATS          *NATSConfig     `json:"nats,omitempty" yaml:"nats,omitempty"`
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	SMTPHost string   `json:"smtpHost" yaml:"smtpHost"`
	SMTPPort int      `json:"smtpPort,omitempty" yaml:"smtpPort,omitempty" validate:"omitempty,min=1,max=65535"`
	From     string   `json:"from" yaml:"from" validate:"omitempty,email"`
	To       []string `json:"to" yaml:"to" validate:"omitempty,dive,email"`
	Username string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
	UseTLS   bool     `json:"useTLS" yaml:"useTLS"`
}

// WebhookConfig configures one chat webhook.
type WebhookConfig struct {
	Name    string            `json:"name" yaml:"name" validate:"required"`
	Enabled bool              `json:"enabled" yaml:"enabled"`
	URL     string            `json:"url" yaml:"url"`
	Auth    AuthConfig        `json:"auth,omitempty" yaml:"auth,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	TimeoutString string        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Timeout       time.Duration `json:"-" yaml:"-"`

	Retry *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// AuthConfig configures webhook authentication.
type AuthConfig struct {
	Type     string `json:"type" yaml:"type"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// NATSConfig configures publishing alerts to a NATS subject.
type NATSConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool              `json:"enabled" yaml:"enabled"`
	Port      int               `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Path      string            `json:"path,omitempty" yaml:"path,omitempty"`
	Namespace string            `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Subsystem string            `json:"subsystem,omitempty" yaml:"subsystem,omitempty"`
	Labels    map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// HealthConfig configures the health endpoint.
type HealthConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	BindAddress string `json:"bindAddress,omitempty" yaml:"bindAddress,omitempty"`
	Port        int    `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
}

// ===============================================
// DEFAULTS
// ===============================================

// ApplyDefaults applies default values to the configuration.
func (c *SentinelConfig) ApplyDefaults() error {
	if err := c.Settings.ApplyDefaults(); err != nil {
		return fmt.Errorf("failed to apply defaults to settings: %w", err)
	}

	c.Sources.ApplyDefaults()

	if c.Classifier.UseDefaults == nil {
		useDefaults := true
		c.Classifier.UseDefaults = &useDefaults
	}
	for i := range c.Classifier.Rules {
		c.Classifier.Rules[i].Category = strings.ToUpper(strings.TrimSpace(c.Classifier.Rules[i].Category))
	}

	c.Thresholds.ApplyDefaults()

	if err := c.Storage.ApplyDefaults(c.Settings.DataDir); err != nil {
		return fmt.Errorf("failed to apply defaults to storage: %w", err)
	}

	if err := c.Alerts.ApplyDefaults(); err != nil {
		return fmt.Errorf("failed to apply defaults to alerts: %w", err)
	}

	c.Metrics.ApplyDefaults()
	c.Health.ApplyDefaults()

	return nil
}

// ApplyDefaults applies default values to GlobalSettings.
func (s *GlobalSettings) ApplyDefaults() error {
	if s.HostName == "" {
		s.HostName = defaultHostName()
	}
	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}
	if s.LogFormat == "" {
		s.LogFormat = DefaultLogFormat
	}
	if s.LogOutput == "" {
		s.LogOutput = DefaultLogOutput
	}
	if s.ScanIntervalString == "" {
		s.ScanIntervalString = DefaultScanInterval
	}
	if s.RemoteReadTimeoutString == "" {
		s.RemoteReadTimeoutString = DefaultRemoteReadTimeout
	}
	if s.LocalReadTimeoutString == "" {
		s.LocalReadTimeoutString = DefaultLocalReadTimeout
	}
	if s.MaxParallel == 0 {
		s.MaxParallel = DefaultMaxParallel
	}
	if s.MaxReadBytes == 0 {
		s.MaxReadBytes = DefaultMaxReadBytes
	}
	if s.DataDir == "" {
		s.DataDir = DefaultDataDir
	}

	var err error
	s.ScanInterval, err = time.ParseDuration(s.ScanIntervalString)
	if err != nil {
		return fmt.Errorf("invalid scanInterval %q: %w", s.ScanIntervalString, err)
	}
	s.RemoteReadTimeout, err = time.ParseDuration(s.RemoteReadTimeoutString)
	if err != nil {
		return fmt.Errorf("invalid remoteReadTimeout %q: %w", s.RemoteReadTimeoutString, err)
	}
	s.LocalReadTimeout, err = time.ParseDuration(s.LocalReadTimeoutString)
	if err != nil {
		return fmt.Errorf("invalid localReadTimeout %q: %w", s.LocalReadTimeoutString, err)
	}

	return nil
}

// ApplyDefaults applies default values to SourcesConfig.
func (s *SourcesConfig) ApplyDefaults() {
	if s.Mode == "" {
		s.Mode = DefaultSourceMode
	}
	if len(s.FilenameGlobs) == 0 {
		s.FilenameGlobs = append([]string(nil), DefaultFilenameGlobs...)
	}
	for i := range s.Remote {
		if s.Remote[i].Port == 0 {
			s.Remote[i].Port = DefaultSSHPort
		}
		if s.Remote[i].Name == "" {
			s.Remote[i].Name = s.Remote[i].Host
		}
	}
}

// ApplyDefaults applies default values to ThresholdsConfig.
func (t *ThresholdsConfig) ApplyDefaults() {
	if t.Mode == "" {
		t.Mode = DefaultThresholdMode
	}
	if t.Limits == nil {
		t.Limits = make(map[string]int, len(DefaultThresholdLimits))
		for k, v := range DefaultThresholdLimits {
			t.Limits[k] = v
		}
	}
}

// ApplyDefaults applies default values to StorageConfig. Relative default
// paths are placed under dataDir.
func (s *StorageConfig) ApplyDefaults(dataDir string) error {
	if s.Driver == "" {
		s.Driver = DefaultStorageDriver
	}
	if s.DSN == "" && s.Driver == "sqlite" {
		s.DSN = filepath.Join(dataDir, "events.db")
	}
	if s.CSVPath == "" {
		s.CSVPath = filepath.Join(dataDir, "events.csv")
	}
	if s.DedupCacheSize == 0 {
		s.DedupCacheSize = DefaultDedupCacheSize
	}

	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = 3
	}
	if s.Retry.BaseDelayString == "" {
		s.Retry.BaseDelayString = "200ms"
	}
	if s.Retry.MaxDelayString == "" {
		s.Retry.MaxDelayString = "5s"
	}
	if err := s.Retry.parse(); err != nil {
		return err
	}

	if s.Checkpoints.Backend == "" {
		s.Checkpoints.Backend = DefaultCheckpointBackend
	}
	if s.Checkpoints.Path == "" {
		s.Checkpoints.Path = filepath.Join(dataDir, "checkpoints.json")
	}

	if s.Maintenance.At == "" {
		s.Maintenance.At = DefaultMaintenanceAt
	}
	at, err := time.Parse("15:04", s.Maintenance.At)
	if err != nil {
		return fmt.Errorf("invalid maintenance time %q, expected HH:MM: %w", s.Maintenance.At, err)
	}
	s.Maintenance.Hour = at.Hour()
	s.Maintenance.Minute = at.Minute()

	return nil
}

func (r *RetryConfig) parse() error {
	var err error
	r.BaseDelay, err = time.ParseDuration(r.BaseDelayString)
	if err != nil {
		return fmt.Errorf("invalid retry baseDelay %q: %w", r.BaseDelayString, err)
	}
	r.MaxDelay, err = time.ParseDuration(r.MaxDelayString)
	if err != nil {
		return fmt.Errorf("invalid retry maxDelay %q: %w", r.MaxDelayString, err)
	}
	return nil
}

// ApplyDefaults applies default values to AlertsConfig.
func (a *AlertsConfig) ApplyDefaults() error {
	if a.TimeoutString == "" {
		a.TimeoutString = DefaultAlertTimeout
	}
	var err error
	a.Timeout, err = time.ParseDuration(a.TimeoutString)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", a.TimeoutString, err)
	}

	if a.Email != nil {
		if a.Email.SMTPPort == 0 {
			a.Email.SMTPPort = DefaultSMTPPort
		}
		if a.Email.Name == "" {
			a.Email.Name = "email"
		}
	}

	for i := range a.Webhooks {
		if err := a.Webhooks[i].ApplyDefaults(a.Timeout); err != nil {
			return fmt.Errorf("failed to apply defaults to webhook %q: %w", a.Webhooks[i].Name, err)
		}
	}

	if a.NATS != nil {
		if a.NATS.Subject == "" {
			a.NATS.Subject = DefaultNATSSubject
		}
		if a.NATS.Name == "" {
			a.NATS.Name = "nats"
		}
	}

	return nil
}

// ApplyDefaults applies default values to WebhookConfig, inheriting the
// alert timeout when none is set.
func (w *WebhookConfig) ApplyDefaults(parentTimeout time.Duration) error {
	if w.TimeoutString == "" {
		w.Timeout = parentTimeout
		w.TimeoutString = parentTimeout.String()
	} else {
		var err error
		w.Timeout, err = time.ParseDuration(w.TimeoutString)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", w.TimeoutString, err)
		}
	}

	if w.Retry == nil {
		w.Retry = &RetryConfig{}
	}
	if w.Retry.MaxAttempts == 0 {
		w.Retry.MaxAttempts = 3
	}
	if w.Retry.BaseDelayString == "" {
		w.Retry.BaseDelayString = "1s"
	}
	if w.Retry.MaxDelayString == "" {
		w.Retry.MaxDelayString = "30s"
	}
	if err := w.Retry.parse(); err != nil {
		return err
	}

	if w.Auth.Type == "" {
		w.Auth.Type = "none"
	}
	return nil
}

// ApplyDefaults applies default values to MetricsConfig.
func (m *MetricsConfig) ApplyDefaults() {
	if m.Port == 0 {
		m.Port = DefaultMetricsPort
	}
	if m.Path == "" {
		m.Path = DefaultMetricsPath
	}
	if m.Namespace == "" {
		m.Namespace = DefaultMetricsNamespace
	}
}

// ApplyDefaults applies default values to HealthConfig.
func (h *HealthConfig) ApplyDefaults() {
	if h.BindAddress == "" {
		h.BindAddress = DefaultHealthBindAddress
	}
	if h.Port == 0 {
		h.Port = DefaultHealthPort
	}
}

// ===============================================
// VALIDATION
// ===============================================

// Validate validates the entire configuration. Field constraints come from
// the validate struct tags; cross-field rules are checked by hand.
func (c *SentinelConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return translateValidationError(err)
	}

	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings validation failed: %w", err)
	}
	if err := c.Sources.Validate(); err != nil {
		return fmt.Errorf("sources validation failed: %w", err)
	}
	if err := c.Classifier.Validate(); err != nil {
		return fmt.Errorf("classifier validation failed: %w", err)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds validation failed: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage validation failed: %w", err)
	}
	if err := c.Alerts.Validate(); err != nil {
		return fmt.Errorf("alerts validation failed: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics validation failed: %w", err)
	}
	if c.Metrics.Enabled && c.Health.Enabled && c.Metrics.Port == c.Health.Port {
		return &ConfigError{Field: "health.port", Message: fmt.Sprintf("port %d is already used by metrics", c.Health.Port)}
	}

	return nil
}

// Validate validates GlobalSettings.
func (s *GlobalSettings) Validate() error {
	if s.LogOutput == "file" && s.LogFile == "" {
		return &ConfigError{Field: "logFile", Message: "logFile is required when logOutput is 'file'"}
	}
	if s.ScanInterval < MinScanInterval {
		return &ConfigError{Field: "scanInterval", Message: fmt.Sprintf("scanInterval %v is below minimum of %v", s.ScanInterval, MinScanInterval)}
	}
	if s.RemoteReadTimeout <= 0 {
		return &ConfigError{Field: "remoteReadTimeout", Message: fmt.Sprintf("remoteReadTimeout must be positive, got %v", s.RemoteReadTimeout)}
	}
	if s.LocalReadTimeout < 0 {
		return &ConfigError{Field: "localReadTimeout", Message: fmt.Sprintf("localReadTimeout must not be negative, got %v", s.LocalReadTimeout)}
	}
	return nil
}

// Validate validates SourcesConfig.
func (s *SourcesConfig) Validate() error {
	useLocal := s.Mode == "local" || s.Mode == "mixed"
	useRemote := s.Mode == "remote" || s.Mode == "mixed"

	if useLocal && !useRemote && len(s.Local.Paths) == 0 {
		return &ConfigError{Field: "local.paths", Message: "at least one local path is required in local mode"}
	}
	if useRemote && !useLocal && len(s.Remote) == 0 {
		return &ConfigError{Field: "remote", Message: "at least one remote host is required in remote mode"}
	}
	if s.Mode == "mixed" && len(s.Local.Paths) == 0 && len(s.Remote) == 0 {
		return &ConfigError{Field: "sources", Message: "no sources configured"}
	}

	for _, glob := range s.FilenameGlobs {
		if _, err := matchGlob(glob); err != nil {
			return &ConfigError{Field: "filenameGlobs", Message: fmt.Sprintf("invalid glob %q: %v", glob, err)}
		}
	}

	seen := make(map[string]bool)
	for _, p := range s.Local.Paths {
		id := LocalHost + ":" + p
		if seen[id] {
			return &ConfigError{Field: "local.paths", Message: fmt.Sprintf("duplicate source %q", id)}
		}
		seen[id] = true
	}
	for _, r := range s.Remote {
		if r.Password == "" && r.KeyFile == "" {
			return &ConfigError{Field: "remote." + r.Name, Message: "either password or keyFile is required"}
		}
		for _, p := range r.Paths {
			id := r.Host + ":" + p
			if seen[id] {
				return &ConfigError{Field: "remote." + r.Name, Message: fmt.Sprintf("duplicate source %q", id)}
			}
			seen[id] = true
		}
	}
	return nil
}

// Validate validates ClassifierConfig.
func (c *ClassifierConfig) Validate() error {
	ids := make(map[string]bool)
	for _, rule := range c.Rules {
		if ids[rule.ID] {
			return &ConfigError{Field: "rules", Message: fmt.Sprintf("duplicate rule id %q", rule.ID)}
		}
		ids[rule.ID] = true
		if !categoryRegex.MatchString(rule.Category) {
			return &ConfigError{Field: "rules." + rule.ID, Message: fmt.Sprintf("invalid category %q, must match %s", rule.Category, categoryRegex)}
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return &ConfigError{Field: "rules." + rule.ID, Message: fmt.Sprintf("invalid pattern: %v", err)}
		}
	}
	if len(c.Rules) == 0 && !c.UseDefaultRules() {
		return &ConfigError{Field: "rules", Message: "no rules configured and defaults disabled"}
	}
	return nil
}

// Validate validates ThresholdsConfig.
func (t *ThresholdsConfig) Validate() error {
	for category := range t.Limits {
		if !categoryRegex.MatchString(category) {
			return &ConfigError{Field: "limits", Message: fmt.Sprintf("invalid category %q, must match %s", category, categoryRegex)}
		}
	}
	return nil
}

// Validate validates StorageConfig.
func (s *StorageConfig) Validate() error {
	if s.Retry.MaxAttempts < 1 {
		return &ConfigError{Field: "retry.maxAttempts", Message: fmt.Sprintf("must be at least 1, got %d", s.Retry.MaxAttempts)}
	}
	if err := s.Retry.Validate(); err != nil {
		return fmt.Errorf("retry configuration validation failed: %w", err)
	}
	if s.Checkpoints.Backend == "file" && s.Checkpoints.Path == "" {
		return &ConfigError{Field: "checkpoints.path", Message: "path is required for the file backend"}
	}
	return nil
}

// Validate validates RetryConfig.
func (r *RetryConfig) Validate() error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("maxAttempts must be non-negative, got %d", r.MaxAttempts)
	}
	if r.BaseDelay <= 0 {
		return fmt.Errorf("baseDelay must be positive, got %v", r.BaseDelay)
	}
	if r.MaxDelay <= 0 {
		return fmt.Errorf("maxDelay must be positive, got %v", r.MaxDelay)
	}
	if r.BaseDelay > r.MaxDelay {
		return fmt.Errorf("baseDelay (%v) must not exceed maxDelay (%v)", r.BaseDelay, r.MaxDelay)
	}
	return nil
}

// Validate validates AlertsConfig. Only enabled channels must be complete.
func (a *AlertsConfig) Validate() error {
	if a.Email != nil && a.Email.Enabled {
		if a.Email.SMTPHost == "" {
			return &ConfigError{Field: "email.smtpHost", Message: "smtpHost is required"}
		}
		if a.Email.From == "" {
			return &ConfigError{Field: "email.from", Message: "from is required"}
		}
		if len(a.Email.To) == 0 {
			return &ConfigError{Field: "email.to", Message: "at least one recipient is required"}
		}
	}

	names := make(map[string]bool)
	for _, w := range a.Webhooks {
		if names[w.Name] {
			return &ConfigError{Field: "webhooks", Message: fmt.Sprintf("duplicate webhook name %q", w.Name)}
		}
		names[w.Name] = true
		if !w.Enabled {
			continue
		}
		if err := w.Validate(); err != nil {
			return fmt.Errorf("webhook %q validation failed: %w", w.Name, err)
		}
	}

	if a.NATS != nil && a.NATS.Enabled {
		if a.NATS.URL == "" {
			return &ConfigError{Field: "nats.url", Message: "url is required"}
		}
	}
	return nil
}

// Validate validates WebhookConfig.
func (w *WebhookConfig) Validate() error {
	if w.URL == "" {
		return fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
		return fmt.Errorf("url must start with http:// or https://, got %q", w.URL)
	}
	if w.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", w.Timeout)
	}
	if w.Retry != nil {
		if err := w.Retry.Validate(); err != nil {
			return fmt.Errorf("retry configuration validation failed: %w", err)
		}
	}
	if err := w.Auth.Validate(); err != nil {
		return fmt.Errorf("auth configuration validation failed: %w", err)
	}
	return nil
}

// Validate validates AuthConfig.
func (a *AuthConfig) Validate() error {
	switch a.Type {
	case "none":
	case "bearer":
		if a.Token == "" {
			return fmt.Errorf("token is required for bearer auth")
		}
	case "basic":
		if a.Username == "" {
			return fmt.Errorf("username is required for basic auth")
		}
		if a.Password == "" {
			return fmt.Errorf("password is required for basic auth")
		}
	default:
		return fmt.Errorf("invalid auth type %q, must be one of: none, bearer, basic", a.Type)
	}
	return nil
}

// Validate validates MetricsConfig.
func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("path must start with '/', got %q", m.Path)
	}
	if m.Namespace != "" && !prometheusNamespaceRegex.MatchString(m.Namespace) {
		return fmt.Errorf("namespace %q is invalid, must match pattern ^[a-zA-Z_:][a-zA-Z0-9_:]*$", m.Namespace)
	}
	if m.Subsystem != "" && !prometheusNamespaceRegex.MatchString(m.Subsystem) {
		return fmt.Errorf("subsystem %q is invalid, must match pattern ^[a-zA-Z_:][a-zA-Z0-9_:]*$", m.Subsystem)
	}
	return nil
}

// ===============================================
// ENVIRONMENT SUBSTITUTION
// ===============================================

// envRefRegex matches a value that is exactly one ${VAR} reference.
var envRefRegex = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// SubstituteEnvVars resolves secret-bearing fields whose whole value is a
// ${VAR} reference. Values that are already resolved, including ones that
// contain a literal $, are left untouched.
func (c *SentinelConfig) SubstituteEnvVars() {
	c.Settings.LogFile = substituteEnvRef(c.Settings.LogFile)
	c.Storage.DSN = substituteEnvRef(c.Storage.DSN)

	for i := range c.Sources.Remote {
		r := &c.Sources.Remote[i]
		r.Password = substituteEnvRef(r.Password)
		r.KeyFile = expandHome(substituteEnvRef(r.KeyFile))
		r.KnownHostsFile = expandHome(substituteEnvRef(r.KnownHostsFile))
	}

	if c.Alerts.Email != nil {
		c.Alerts.Email.Username = substituteEnvRef(c.Alerts.Email.Username)
		c.Alerts.Email.Password = substituteEnvRef(c.Alerts.Email.Password)
	}
	for i := range c.Alerts.Webhooks {
		w := &c.Alerts.Webhooks[i]
		w.URL = substituteEnvRef(w.URL)
		w.Auth.Token = substituteEnvRef(w.Auth.Token)
		w.Auth.Username = substituteEnvRef(w.Auth.Username)
		w.Auth.Password = substituteEnvRef(w.Auth.Password)
		for key, value := range w.Headers {
			w.Headers[key] = substituteEnvRef(value)
		}
	}
	if c.Alerts.NATS != nil {
		c.Alerts.NATS.Token = substituteEnvRef(c.Alerts.NATS.Token)
	}
}

func substituteEnvRef(value string) string {
	m := envRefRegex.FindStringSubmatch(value)
	if m == nil {
		return value
	}
	return os.Getenv(m[1])
}

func matchGlob(glob string) (bool, error) {
	return filepath.Match(glob, "probe")
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

func defaultHostName() string {
	if name := os.Getenv("HOSTNAME"); name != "" {
		return name
	}
	name, err := os.Hostname()
	if err != nil {
		return "log-sentinel"
	}
	return name
}

// translateValidationError turns the first validator failure into a ConfigError.
func translateValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "SentinelConfig.")
	msg := fmt.Sprintf("failed %q constraint", fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("failed %q constraint (%s)", fe.Tag(), fe.Param())
	}
	if fe.Value() != nil {
		msg = fmt.Sprintf("%s, got %v", msg, fe.Value())
	}
	return &ConfigError{Field: field, Message: msg}
}
