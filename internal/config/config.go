package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port          int
		JWTSecret     string `mapstructure:"jwt_secret"`
		AdminUser     string `mapstructure:"admin_user"`
		AdminPassword string `mapstructure:"admin_password"`
	}
	Database struct {
		Driver string
		DSN    string
	}
	Reporting struct {
		Timezone string
		Brand    string
	}
	Media struct {
		Backend  string
		Root     string
		S3Bucket string `mapstructure:"s3_bucket"`
	}
	SMTP       SMTP
	Dispatcher struct {
		Enabled       bool
		Spec          string
		CopyArtifacts bool `mapstructure:"copy_artifacts"`
	}
	Redis struct {
		Addr    string
		LockTTL time.Duration `mapstructure:"lock_ttl"`
	}
	Slack struct {
		Token   string
		Channel string
	}
	Render struct {
		MaxConcurrent int64             `mapstructure:"max_concurrent"`
		Queries       map[string]string `mapstructure:"queries"`
	}
	Log struct {
		Level  string
		Format string
	}
}

// SMTP holds the static mail settings. A DB-backed active SMTP
// configuration overrides them field by field.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool          `mapstructure:"use_tls"`
	UseSSL   bool          `mapstructure:"use_ssl"`
	Timeout  time.Duration `mapstructure:"timeout"`
	From     string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "change-me")
	v.SetDefault("server.admin_user", "admin")
	v.SetDefault("server.admin_password", "")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/reports.db")
	v.SetDefault("reporting.timezone", "Africa/Abidjan")
	v.SetDefault("reporting.brand", "SIGETI")
	v.SetDefault("media.backend", "local")
	v.SetDefault("media.root", "media")
	v.SetDefault("media.s3_bucket", "")
	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 25)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.use_tls", false)
	v.SetDefault("smtp.use_ssl", false)
	v.SetDefault("smtp.timeout", 30*time.Second)
	v.SetDefault("smtp.from", "noreply@sigeti.ci")
	v.SetDefault("dispatcher.enabled", true)
	v.SetDefault("dispatcher.spec", "@every 1m")
	v.SetDefault("dispatcher.copy_artifacts", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.lock_ttl", 10*time.Minute)
	v.SetDefault("slack.token", "")
	v.SetDefault("slack.channel", "")
	v.SetDefault("render.max_concurrent", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// LoadConfig loads the configuration from config.yaml, falling back to
// defaults when no file is found. SIGETI_* environment variables override
// file values (SIGETI_SMTP_HOST for smtp.host).
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sigeti")
	v.SetEnvPrefix("SIGETI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return decode(v)
}

// LoadFile loads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SIGETI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Database.Driver == "sqlite" {
		if err := os.MkdirAll(dirOf(cfg.Database.DSN), 0755); err != nil {
			fmt.Printf("Warning: Failed to create data directory: %v\n", err)
		}
	}
	if cfg.SMTP.UseSSL && cfg.SMTP.UseTLS {
		return nil, fmt.Errorf("smtp.use_tls and smtp.use_ssl are mutually exclusive")
	}
	return &cfg, nil
}

func dirOf(path string) string {
	i := strings.LastIndexAny(path, `/\`)
	if i <= 0 {
		return "."
	}
	return path[:i]
}
