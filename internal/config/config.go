package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server" json:"server"`

	// Database configuration
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Plugin host configuration
	Plugins PluginConfig `yaml:"plugins" json:"plugins"`

	// Compatibility probing configuration
	Compat CompatConfig `yaml:"compat" json:"compat"`

	// Icon pipeline configuration
	Icons IconConfig `yaml:"icons" json:"icons"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string        `yaml:"host" json:"host" env:"SKYDECK_HOST" default:"127.0.0.1"`
	Port           int           `yaml:"port" json:"port" env:"SKYDECK_PORT" default:"8480"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" env:"SKYDECK_READ_TIMEOUT" default:"30s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout" env:"SKYDECK_WRITE_TIMEOUT" default:"30s"`
	EnableCORS     bool          `yaml:"enable_cors" json:"enable_cors" env:"SKYDECK_ENABLE_CORS" default:"true"`
	EnableMetrics  bool          `yaml:"enable_metrics" json:"enable_metrics" env:"SKYDECK_ENABLE_METRICS" default:"true"`
	TrustedProxies []string      `yaml:"trusted_proxies" json:"trusted_proxies" env:"SKYDECK_TRUSTED_PROXIES"`
}

// DatabaseConfig holds persistence configuration
type DatabaseConfig struct {
	Type         string        `yaml:"type" json:"type" env:"SKYDECK_DATABASE_TYPE" default:"sqlite"`
	URL          string        `yaml:"url" json:"url" env:"SKYDECK_DATABASE_URL"`
	Host         string        `yaml:"host" json:"host" env:"SKYDECK_POSTGRES_HOST" default:"localhost"`
	Port         int           `yaml:"port" json:"port" env:"SKYDECK_POSTGRES_PORT" default:"5432"`
	Username     string        `yaml:"username" json:"username" env:"SKYDECK_POSTGRES_USER" default:"skydeck"`
	Password     string        `yaml:"password" json:"-" env:"SKYDECK_POSTGRES_PASSWORD"`
	Database     string        `yaml:"database" json:"database" env:"SKYDECK_POSTGRES_DB" default:"skydeck"`
	DataDir      string        `yaml:"data_dir" json:"data_dir" env:"SKYDECK_DATA_DIR" default:"./skydeck-data"`
	DatabasePath string        `yaml:"database_path" json:"database_path" env:"SKYDECK_DATABASE_PATH"`
	MaxOpenConns int           `yaml:"max_open_conns" json:"max_open_conns" env:"SKYDECK_DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"SKYDECK_DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLife  time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"SKYDECK_DB_CONN_MAX_LIFETIME" default:"2h"`
	LogQueries   bool          `yaml:"log_queries" json:"log_queries" env:"SKYDECK_DB_LOG_QUERIES" default:"false"`
}

// PluginConfig holds plugin host configuration
type PluginConfig struct {
	PluginDir          string        `yaml:"plugin_dir" json:"plugin_dir" env:"SKYDECK_PLUGIN_DIR"`
	LoadWorkers        int           `yaml:"load_workers" json:"load_workers" env:"SKYDECK_PLUGIN_LOAD_WORKERS" default:"4"`
	EnableHotReload    bool          `yaml:"enable_hot_reload" json:"enable_hot_reload" env:"SKYDECK_PLUGIN_HOT_RELOAD" default:"true"`
	ReloadDebounce     time.Duration `yaml:"reload_debounce" json:"reload_debounce" env:"SKYDECK_PLUGIN_RELOAD_DEBOUNCE" default:"2s"`
	WatchExcludes      []string      `yaml:"watch_excludes" json:"watch_excludes" env:"SKYDECK_PLUGIN_WATCH_EXCLUDES"`
	StartTimeout       time.Duration `yaml:"start_timeout" json:"start_timeout" env:"SKYDECK_PLUGIN_START_TIMEOUT" default:"30s"`
	LuaCallTimeout     time.Duration `yaml:"lua_call_timeout" json:"lua_call_timeout" env:"SKYDECK_PLUGIN_LUA_TIMEOUT" default:"5s"`
	EnableSandbox      bool          `yaml:"enable_sandbox" json:"enable_sandbox" env:"SKYDECK_PLUGIN_SANDBOX" default:"true"`
	DeniedPermissions  []string      `yaml:"denied_permissions" json:"denied_permissions" env:"SKYDECK_PLUGIN_DENIED_PERMISSIONS"`
	RequireVerified    bool          `yaml:"require_verified" json:"require_verified" env:"SKYDECK_PLUGIN_REQUIRE_VERIFIED" default:"false"`
	AutoConsent        bool          `yaml:"auto_consent" json:"auto_consent" env:"SKYDECK_PLUGIN_AUTO_CONSENT" default:"false"`
	AutoConsentAllowed []string      `yaml:"auto_consent_allowed" json:"auto_consent_allowed" env:"SKYDECK_PLUGIN_AUTO_CONSENT_ALLOWED"`
}

// CompatConfig holds system compatibility probe configuration
type CompatConfig struct {
	PlatformVersionOverride int      `yaml:"platform_version_override" json:"platform_version_override" env:"SKYDECK_PLATFORM_VERSION" default:"0"`
	PackageQueryCommands    []string `yaml:"package_query_commands" json:"package_query_commands" env:"SKYDECK_PACKAGE_QUERY_COMMANDS"`
	PackageCacheSize        int      `yaml:"package_cache_size" json:"package_cache_size" env:"SKYDECK_PACKAGE_CACHE_SIZE" default:"256"`
}

// IconConfig holds plugin icon pipeline configuration
type IconConfig struct {
	MaxFileSize int64 `yaml:"max_file_size" json:"max_file_size" env:"SKYDECK_ICON_MAX_SIZE" default:"2097152"`
	Quality     int   `yaml:"quality" json:"quality" env:"SKYDECK_ICON_QUALITY" default:"90"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"SKYDECK_LOG_LEVEL" default:"info"`
	Format string `yaml:"format" json:"format" env:"SKYDECK_LOG_FORMAT" default:"text"`
	Output string `yaml:"output" json:"output" env:"SKYDECK_LOG_OUTPUT" default:"stderr"`
}

// ConfigManager manages application configuration
type ConfigManager struct {
	config     *Config
	configPath string
	watchers   []ConfigWatcher
	mu         sync.RWMutex
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(oldConfig, newConfig *Config)

var (
	globalConfigManager *ConfigManager
	configOnce          sync.Once
)

// GetConfigManager returns the global configuration manager instance
func GetConfigManager() *ConfigManager {
	configOnce.Do(func() {
		globalConfigManager = NewConfigManager()
	})
	return globalConfigManager
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		config:   DefaultConfig(),
		watchers: make([]ConfigWatcher, 0),
	}
}

// DefaultConfig returns the default application configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8480,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			EnableCORS:    true,
			EnableMetrics: true,
		},
		Database: DatabaseConfig{
			Type:         "sqlite",
			DataDir:      "./skydeck-data",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			ConnMaxLife:  2 * time.Hour,
		},
		Plugins: PluginConfig{
			LoadWorkers:     4,
			EnableHotReload: true,
			ReloadDebounce:  2 * time.Second,
			WatchExcludes:   []string{".git", "*.log", "*.tmp", "*.swp", "node_modules"},
			StartTimeout:    30 * time.Second,
			LuaCallTimeout:  5 * time.Second,
			EnableSandbox:   true,
		},
		Compat: CompatConfig{
			PackageCacheSize: 256,
		},
		Icons: IconConfig{
			MaxFileSize: 2 * 1024 * 1024,
			Quality:     90,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func (cm *ConfigManager) LoadConfig(configPath string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	oldConfig := *cm.config
	cm.configPath = configPath

	newConfig := DefaultConfig()

	if configPath != "" && fileExists(configPath) {
		if err := cm.loadFromFile(configPath, newConfig); err != nil {
			return fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(newConfig); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(newConfig); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.applyDerivedConfig(newConfig)

	cm.config = newConfig

	for _, watcher := range cm.watchers {
		go watcher(&oldConfig, newConfig)
	}

	return nil
}

// GetConfig returns the current configuration (thread-safe)
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	configCopy := *cm.config
	return &configCopy
}

// AddWatcher adds a configuration change watcher
func (cm *ConfigManager) AddWatcher(watcher ConfigWatcher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, watcher)
}

func (cm *ConfigManager) loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func (cm *ConfigManager) loadFromEnv(config *Config) error {
	return loadStructFromEnv(reflect.ValueOf(config).Elem())
}

func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
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

func (cm *ConfigManager) validateConfig(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Type != "sqlite" && config.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", config.Database.Type)
	}

	if config.Plugins.ReloadDebounce < 0 {
		return fmt.Errorf("invalid reload debounce: %s", config.Plugins.ReloadDebounce)
	}

	if config.Plugins.LoadWorkers < 0 {
		return fmt.Errorf("invalid plugin load workers: %d", config.Plugins.LoadWorkers)
	}

	if config.Icons.Quality < 1 || config.Icons.Quality > 100 {
		return fmt.Errorf("invalid icon quality: %d", config.Icons.Quality)
	}

	return nil
}

func (cm *ConfigManager) applyDerivedConfig(config *Config) {
	if config.Database.DatabasePath == "" && config.Database.Type == "sqlite" {
		config.Database.DatabasePath = filepath.Join(config.Database.DataDir, "skydeck.db")
	}

	if config.Plugins.PluginDir == "" {
		config.Plugins.PluginDir = filepath.Join(config.Database.DataDir, "plugins")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Global convenience functions

// Get returns the current global configuration
func Get() *Config {
	return GetConfigManager().GetConfig()
}

// Load loads configuration from the specified path
func Load(configPath string) error {
	return GetConfigManager().LoadConfig(configPath)
}

// AddWatcher adds a global configuration watcher
func AddWatcher(watcher ConfigWatcher) {
	GetConfigManager().AddWatcher(watcher)
}
