package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// SRConfig holds the application configuration
type SRConfig struct {
	Database struct {
		Driver       string `mapstructure:"driver"`
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		Name         string `mapstructure:"name"`
		SSLMode      string `mapstructure:"sslmode"`
		Path         string `mapstructure:"path"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
	} `mapstructure:"database"`

	Server struct {
		Host          string `mapstructure:"host"`
		Port          int    `mapstructure:"port"`
		MaxConcurrent int    `mapstructure:"max_concurrent"`
	} `mapstructure:"server"`

	Queue struct {
		Driver   string `mapstructure:"driver"`
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"queue"`

	Worker WorkerConfig `mapstructure:"worker"`

	Precheck struct {
		Enabled          bool              `mapstructure:"enabled"`
		InstalledCommand []string          `mapstructure:"installed_command"`
		Aliases          map[string]string `mapstructure:"aliases"`
	} `mapstructure:"precheck"`

	Reaper struct {
		Schedule      string `mapstructure:"schedule"`
		StaleAfterSec int    `mapstructure:"stale_after_sec"`
	} `mapstructure:"reaper"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	LogLevel string `mapstructure:"log_level"`
}

// WorkerConfig configures how a worker supervises script executions
type WorkerConfig struct {
	Concurrency         int      `mapstructure:"concurrency"`
	PollIntervalMs      int      `mapstructure:"poll_interval_ms"`
	LineFlushIntervalMs int      `mapstructure:"line_flush_interval_ms"`
	HeartbeatIntervalMs int      `mapstructure:"heartbeat_interval_ms"`
	HeartbeatGraceMs    int      `mapstructure:"heartbeat_grace_ms"`
	MaxExecutionTimeSec int      `mapstructure:"max_execution_time_sec"`
	TerminateGraceMs    int      `mapstructure:"terminate_grace_ms"`
	KillWaitMs          int      `mapstructure:"kill_wait_ms"`
	Interpreter         string   `mapstructure:"interpreter"`
	InterpreterArgs     []string `mapstructure:"interpreter_args"`
	ProgressTailLines   int      `mapstructure:"progress_tail_lines"`
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

func (w WorkerConfig) LineFlushInterval() time.Duration {
	return time.Duration(w.LineFlushIntervalMs) * time.Millisecond
}

func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalMs) * time.Millisecond
}

func (w WorkerConfig) HeartbeatGrace() time.Duration {
	return time.Duration(w.HeartbeatGraceMs) * time.Millisecond
}

func (w WorkerConfig) MaxExecutionTime() time.Duration {
	return time.Duration(w.MaxExecutionTimeSec) * time.Second
}

func (w WorkerConfig) TerminateGrace() time.Duration {
	return time.Duration(w.TerminateGraceMs) * time.Millisecond
}

func (w WorkerConfig) KillWait() time.Duration {
	return time.Duration(w.KillWaitMs) * time.Millisecond
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*SRConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("SR_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}

		v := newViper()
		switch mode := fi.Mode(); {
		case mode.IsRegular():
			v.SetConfigFile(path)
		case mode.IsDir():
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		default:
			continue
		}

		config, err := readConfig(v, path)
		if err != nil {
			continue
		}
		return config, nil
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	return readConfig(v, cwd)
}

// Default returns the configuration built only from defaults and environment variables.
func Default() (*SRConfig, error) {
	var config SRConfig
	if err := newViper().Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "scriptrunner")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "scriptrunner.db")
	v.SetDefault("database.max_open_conns", 10)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_concurrent", 5)

	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "")
	v.SetDefault("queue.db", 0)

	// Worker defaults
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval_ms", 100)
	v.SetDefault("worker.line_flush_interval_ms", 250)
	v.SetDefault("worker.heartbeat_interval_ms", 2000)
	v.SetDefault("worker.heartbeat_grace_ms", 5000)
	v.SetDefault("worker.max_execution_time_sec", 3600) // 1 hour
	v.SetDefault("worker.terminate_grace_ms", 3000)
	v.SetDefault("worker.kill_wait_ms", 2000)
	v.SetDefault("worker.interpreter", "python3")
	v.SetDefault("worker.interpreter_args", []string{"-u"})
	v.SetDefault("worker.progress_tail_lines", 20)

	v.SetDefault("precheck.enabled", true)
	v.SetDefault("precheck.installed_command", []string{"python3", "-m", "pip", "list", "--format=freeze"})

	v.SetDefault("reaper.schedule", "@every 1m")
	v.SetDefault("reaper.stale_after_sec", 120)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("SR")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*SRConfig, error) {
	var config SRConfig

	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// Level parses the configured log level, falling back to info
func (c *SRConfig) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}

// GetDatabaseURL returns the data source name for the configured driver
func (c *SRConfig) GetDatabaseURL() string {
	if c.Database.Driver == "sqlite" {
		return fmt.Sprintf(
			"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite",
			c.Database.Path,
		)
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}
