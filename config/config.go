package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Question QuestionConfig `mapstructure:"question"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPAddress string `mapstructure:"http_address"`
	// RPCAddress 为空时不启动 RPC 服务
	RPCAddress     string        `mapstructure:"rpc_address"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	WatchHeartbeat time.Duration `mapstructure:"watch_heartbeat"`
}

type DatabaseConfig struct {
	// Driver 可选 memory、sqlite、postgres、gorm
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type QuestionConfig struct {
	// URL 为空时只使用内置题目
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type EngineConfig struct {
	RoundDuration    time.Duration `mapstructure:"round_duration"`
	MaxClaimAttempts int           `mapstructure:"max_claim_attempts"`
	EnforceDeadline  bool          `mapstructure:"enforce_deadline"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// EnvPrefix 环境变量前缀，例如 QUIZROOM_SERVER_HTTP_ADDRESS
const EnvPrefix = "QUIZROOM"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.rpc_address", "")
	v.SetDefault("server.sweep_interval", time.Second)
	v.SetDefault("server.watch_heartbeat", 30*time.Second)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "quizroom")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.sqlite.path", "quizroom.db")

	v.SetDefault("question.url", "https://api.siputzx.my.id/api/games/family100")
	v.SetDefault("question.timeout", 5*time.Second)

	v.SetDefault("engine.round_duration", 120*time.Second)
	v.SetDefault("engine.max_claim_attempts", 3)
	v.SetDefault("engine.enforce_deadline", true)

	v.SetDefault("log.level", "info")
}

// LoadConfig 从 path 下的 config.yaml 加载配置，文件不存在时使用默认值和环境变量
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at wiring time.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres", "gorm":
	default:
		return errors.New("unknown database driver: " + c.Database.Driver)
	}
	if c.Server.HTTPAddress == "" {
		return errors.New("server.http_address is required")
	}
	if c.Engine.RoundDuration <= 0 {
		return errors.New("engine.round_duration must be positive")
	}
	if c.Engine.MaxClaimAttempts < 1 {
		return errors.New("engine.max_claim_attempts must be at least 1")
	}
	return nil
}
