package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gookit/validate"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"required|uint|min:1"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type RetentionConfig struct {
	// Window bounds the durable history; Inactivity flags a roster entry as
	// stale; Removal evicts it; Sweep is the eviction period.
	Window     time.Duration `mapstructure:"window" validate:"required"`
	Inactivity time.Duration `mapstructure:"inactivity" validate:"required"`
	Removal    time.Duration `mapstructure:"removal" validate:"required"`
	Sweep      time.Duration `mapstructure:"sweep" validate:"required"`
}

type GeocodeConfig struct {
	BaseURL   string        `mapstructure:"baseUrl" validate:"required|fullUrl"`
	UserAgent string        `mapstructure:"userAgent" validate:"required"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Size    int           `mapstructure:"size"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"required|in:trace,debug,info,warn,error"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type Config struct {
	AppName   string
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Retention RetentionConfig `mapstructure:"retention"`
	Geocode   GeocodeConfig   `mapstructure:"geocode"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// Load reads configuration from an optional YAML file plus TRACKER_*
// environment variables, applies defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 10*time.Second)
	v.SetDefault("server.writeTimeout", 15*time.Second)
	v.SetDefault("database.path", "tracker.db")
	v.SetDefault("retention.window", 72*time.Hour)
	v.SetDefault("retention.inactivity", 10*time.Minute)
	v.SetDefault("retention.removal", time.Hour)
	v.SetDefault("retention.sweep", 5*time.Minute)
	v.SetDefault("geocode.baseUrl", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.userAgent", "geotracker/1.0")
	v.SetDefault("geocode.timeout", 10*time.Second)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.size", 8*1024*1024)
	v.SetDefault("cache.ttl", 5*time.Second)
	v.SetDefault("logger.level", "info")
	v.SetDefault("metrics.enabled", true)

	// Every key is overridable as TRACKER_<SECTION>_<KEY>.
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short aliases for the common knobs.
	_ = v.BindEnv("server.port", "TRACKER_PORT", "TRACKER_SERVER_PORT")
	_ = v.BindEnv("database.path", "TRACKER_DB_PATH", "TRACKER_DATABASE_PATH")
	_ = v.BindEnv("retention.window", "TRACKER_RETENTION_WINDOW")
	_ = v.BindEnv("logger.level", "TRACKER_LOG_LEVEL", "TRACKER_LOGGER_LEVEL")

	if configPath != "" {
		filename := filepath.Base(configPath)
		v.AddConfigPath(filepath.Dir(configPath))
		v.SetConfigName(strings.TrimSuffix(filename, filepath.Ext(filename)))
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configPath, err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}

	vd := validate.Struct(&conf)
	if !vd.Validate() {
		return nil, vd.Errors.OneError()
	}

	// The roster must flag a device stale before it evicts it.
	if conf.Retention.Removal < conf.Retention.Inactivity {
		return nil, fmt.Errorf("retention.removal (%s) must be >= retention.inactivity (%s)",
			conf.Retention.Removal, conf.Retention.Inactivity)
	}

	conf.AppName = "geotracker"
	return &conf, nil
}
