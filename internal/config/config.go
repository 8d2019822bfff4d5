package config

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Capture   CaptureConfig   `yaml:"capture" json:"capture"`
	Detection DetectionConfig `yaml:"detection" json:"detection"`
	Adapters  AdaptersConfig  `yaml:"adapters" json:"adapters"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `yaml:"host" env:"RADIOWATCH_HOST" default:"0.0.0.0"`
	Port         int           `yaml:"port" env:"RADIOWATCH_PORT" default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"RADIOWATCH_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"RADIOWATCH_WRITE_TIMEOUT" default:"30s"`
	EnableCORS   bool          `yaml:"enable_cors" env:"RADIOWATCH_ENABLE_CORS" default:"true"`
}

// DatabaseConfig holds persistence configuration.
type DatabaseConfig struct {
	Type            string        `yaml:"type" env:"DATABASE_TYPE" default:"sqlite"`
	Host            string        `yaml:"host" env:"POSTGRES_HOST" default:"localhost"`
	Port            int           `yaml:"port" env:"POSTGRES_PORT" default:"5432"`
	Username        string        `yaml:"username" env:"POSTGRES_USER" default:"radiowatch"`
	Password        string        `yaml:"password" env:"POSTGRES_PASSWORD"`
	Database        string        `yaml:"database" env:"POSTGRES_DB" default:"radiowatch"`
	DataDir         string        `yaml:"data_dir" env:"RADIOWATCH_DATA_DIR" default:"./data"`
	DatabasePath    string        `yaml:"database_path" env:"RADIOWATCH_DATABASE_PATH"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" default:"50"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" default:"2h"`
	LogQueries      bool          `yaml:"log_queries" env:"DB_LOG_QUERIES" default:"false"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"RADIOWATCH_LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"RADIOWATCH_LOG_FORMAT" default:"text"`
}

// CaptureConfig controls audio segment capture and fingerprint generation.
type CaptureConfig struct {
	SegmentSeconds int           `yaml:"segment_seconds" env:"RADIOWATCH_SEGMENT_SECONDS" default:"15"`
	MaxSegmentSize int64         `yaml:"max_segment_size" env:"RADIOWATCH_MAX_SEGMENT_SIZE" default:"2097152"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"RADIOWATCH_CAPTURE_TIMEOUT" default:"25s"`
	FpcalcPath     string        `yaml:"fpcalc_path" env:"RADIOWATCH_FPCALC_PATH" default:"fpcalc"`
	FpcalcTimeout  time.Duration `yaml:"fpcalc_timeout" env:"RADIOWATCH_FPCALC_TIMEOUT" default:"10s"`
}

// DetectionConfig carries the per-tier acceptance thresholds and the
// local similarity settings. Each tier's floor is independent; they are
// not assumed to decrease down the cascade.
type DetectionConfig struct {
	LocalThreshold       float64 `yaml:"local_threshold" env:"RADIOWATCH_LOCAL_THRESHOLD" default:"0.95"`
	MetadataThreshold    float64 `yaml:"metadata_threshold" env:"RADIOWATCH_METADATA_THRESHOLD" default:"0.80"`
	FingerprintThreshold float64 `yaml:"fingerprint_threshold" env:"RADIOWATCH_FINGERPRINT_THRESHOLD" default:"0.75"`
	FullAudioThreshold   float64 `yaml:"full_audio_threshold" env:"RADIOWATCH_FULL_AUDIO_THRESHOLD" default:"0.60"`
	SimilarityFloor      float64 `yaml:"similarity_floor" env:"RADIOWATCH_SIMILARITY_FLOOR" default:"0.85"`
	SimilarityCandidates int     `yaml:"similarity_candidates" env:"RADIOWATCH_SIMILARITY_CANDIDATES" default:"32"`
}

// AdapterConfig configures one external recognition service.
type AdapterConfig struct {
	Enabled          bool          `yaml:"enabled" default:"true"`
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	Timeout          time.Duration `yaml:"timeout" default:"10s"`
	QuotaPerMinute   int           `yaml:"quota_per_minute" default:"60"`
	BreakerThreshold int           `yaml:"breaker_threshold" default:"5"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" default:"2m"`
}

// AdaptersConfig groups the external recognition tiers.
type AdaptersConfig struct {
	Metadata    AdapterConfig `yaml:"metadata"`
	Fingerprint AdapterConfig `yaml:"fingerprint"`
	FullAudio   AdapterConfig `yaml:"full_audio"`
	UserAgent   string        `yaml:"user_agent" env:"RADIOWATCH_USER_AGENT" default:"radiowatch/1.0 (+https://github.com/radiowatch/radiowatch)"`
}

// SchedulerConfig bounds the station polling pool.
type SchedulerConfig struct {
	Workers             int           `yaml:"workers" env:"RADIOWATCH_WORKERS" default:"20"`
	QueueSize           int           `yaml:"queue_size" env:"RADIOWATCH_QUEUE_SIZE" default:"256"`
	DefaultPollInterval time.Duration `yaml:"default_poll_interval" env:"RADIOWATCH_POLL_INTERVAL" default:"90s"`
	PollDeadline        time.Duration `yaml:"poll_deadline" env:"RADIOWATCH_POLL_DEADLINE" default:"60s"`
	UnhealthyThreshold  int           `yaml:"unhealthy_threshold" env:"RADIOWATCH_UNHEALTHY_THRESHOLD" default:"5"`
	UnhealthyBackoff    time.Duration `yaml:"unhealthy_backoff" env:"RADIOWATCH_UNHEALTHY_BACKOFF" default:"10m"`
	AdaptiveThrottling  bool          `yaml:"adaptive_throttling" env:"RADIOWATCH_ADAPTIVE_THROTTLING" default:"true"`
	CPUThreshold        float64       `yaml:"cpu_threshold" env:"RADIOWATCH_CPU_THRESHOLD" default:"85.0"`
	MemoryThreshold     float64       `yaml:"memory_threshold" env:"RADIOWATCH_MEMORY_THRESHOLD" default:"90.0"`
}

// ConfigWatcher is called when configuration changes.
type ConfigWatcher func(oldConfig, newConfig *Config)

// ConfigManager manages application configuration with hot-reload support.
type ConfigManager struct {
	config     *Config
	configPath string
	watchers   []ConfigWatcher
	mu         sync.RWMutex
}

var (
	globalConfigManager *ConfigManager
	configOnce          sync.Once
)

// GetConfigManager returns the global configuration manager instance.
func GetConfigManager() *ConfigManager {
	configOnce.Do(func() {
		globalConfigManager = NewConfigManager()
	})
	return globalConfigManager
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		config:   DefaultConfig(),
		watchers: make([]ConfigWatcher, 0),
	}
}

// DefaultConfig returns the default application configuration.
// Defaults come from the struct tags so file, env, and zero-config
// startup agree on a single source of truth.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := applyStructTags(reflect.ValueOf(cfg).Elem(), true); err != nil {
		panic(fmt.Sprintf("invalid default config tags: %v", err))
	}
	cfg.Adapters.Metadata.BaseURL = "https://musicbrainz.org/ws/2"
	cfg.Adapters.Fingerprint.BaseURL = "https://api.acoustid.org/v2"
	cfg.Adapters.FullAudio.BaseURL = "https://api.audd.io"
	cfg.Adapters.FullAudio.QuotaPerMinute = 10
	return cfg
}

// LoadConfig loads configuration from file and environment variables.
func (cm *ConfigManager) LoadConfig(configPath string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	oldConfig := *cm.config
	cm.configPath = configPath

	newConfig := DefaultConfig()

	if configPath != "" && fileExists(configPath) {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, newConfig); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyStructTags(reflect.ValueOf(newConfig).Elem(), false); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := validateConfig(newConfig); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	applyDerivedConfig(newConfig)

	cm.config = newConfig

	for _, watcher := range cm.watchers {
		go watcher(&oldConfig, newConfig)
	}
	return nil
}

// Reload re-reads the config file last passed to LoadConfig.
func (cm *ConfigManager) Reload() error {
	cm.mu.RLock()
	path := cm.configPath
	cm.mu.RUnlock()
	return cm.LoadConfig(path)
}

// GetConfig returns the current configuration (thread-safe copy).
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	configCopy := *cm.config
	return &configCopy
}

// AddWatcher adds a configuration change watcher.
func (cm *ConfigManager) AddWatcher(watcher ConfigWatcher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, watcher)
}

// applyStructTags walks the config tree. With defaultsOnly it seeds the
// default tags; otherwise it overlays environment variables without
// downgrading file-provided values.
func applyStructTags(v reflect.Value, defaultsOnly bool) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := applyStructTags(field, defaultsOnly); err != nil {
				return err
			}
			continue
		}

		value := ""
		if defaultsOnly {
			value = fieldType.Tag.Get("default")
		} else if envTag := fieldType.Tag.Get("env"); envTag != "" {
			value = os.Getenv(envTag)
		}
		if value == "" {
			continue
		}

		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set field %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			values := strings.Split(value, ",")
			for i, v := range values {
				values[i] = strings.TrimSpace(v)
			}
			field.Set(reflect.ValueOf(values))
		}
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}
	return nil
}

func validateConfig(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Database.Type != "sqlite" && config.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", config.Database.Type)
	}
	if config.Scheduler.Workers < 1 {
		return fmt.Errorf("invalid worker count: %d", config.Scheduler.Workers)
	}
	if config.Scheduler.PollDeadline <= 0 {
		return fmt.Errorf("invalid poll deadline: %s", config.Scheduler.PollDeadline)
	}
	for _, th := range []float64{
		config.Detection.LocalThreshold,
		config.Detection.MetadataThreshold,
		config.Detection.FingerprintThreshold,
		config.Detection.FullAudioThreshold,
		config.Detection.SimilarityFloor,
	} {
		if th < 0 || th > 1 {
			return fmt.Errorf("threshold out of range [0,1]: %f", th)
		}
	}
	return nil
}

func applyDerivedConfig(config *Config) {
	if config.Database.DatabasePath == "" && config.Database.Type == "sqlite" {
		config.Database.DatabasePath = config.Database.DataDir + "/radiowatch.db"
	}
	if config.Scheduler.Workers == 0 {
		config.Scheduler.Workers = minInt(maxInt(1, runtime.NumCPU()*2), 32)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Global convenience functions

// Get returns the current global configuration.
func Get() *Config {
	return GetConfigManager().GetConfig()
}

// Load loads configuration from the specified path.
func Load(configPath string) error {
	return GetConfigManager().LoadConfig(configPath)
}

// AddWatcher adds a global configuration watcher.
func AddWatcher(watcher ConfigWatcher) {
	GetConfigManager().AddWatcher(watcher)
}
