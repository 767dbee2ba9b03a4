// Package config loads stageci settings from defaults, an optional
// stageci.yaml, a .env file and STAGECI_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port      int
	AgentPort int
	// ServerURL is where agents register themselves.
	ServerURL string
	// AgentURL is the address an agent advertises to the server.
	AgentURL string
	AgentID  string

	LedgerPath string
	LogDir     string
	KeysDir    string

	CommandTimeout time.Duration
	MaxParallel    int
	Shell          string
	WorkDir        string
	IsolateEnv     bool

	LogLevel string
}

// Options selects the files Load reads. Empty fields use the defaults
// (./stageci.yaml when present, ./.env when present).
type Options struct {
	ConfigFile string
	EnvFile    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("agent_port", 9090)
	v.SetDefault("server_url", "")
	v.SetDefault("agent_url", "")
	v.SetDefault("agent_id", "local-agent")
	v.SetDefault("ledger_path", "./ledger.jsonl")
	v.SetDefault("log_dir", "./logs")
	v.SetDefault("keys_dir", "./keys")
	v.SetDefault("command_timeout", "5m")
	v.SetDefault("max_parallel", 4)
	v.SetDefault("shell", "sh")
	v.SetDefault("workdir", ".")
	v.SetDefault("isolate_env", false)
	v.SetDefault("log_level", "info")
}

func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !(opts.EnvFile == "" && errors.Is(err, fs.ErrNotExist)) {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("STAGECI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// PORT is honoured for hosts that inject it.
	_ = v.BindEnv("port", "STAGECI_PORT", "PORT")

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("stageci")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		Port:           v.GetInt("port"),
		AgentPort:      v.GetInt("agent_port"),
		ServerURL:      v.GetString("server_url"),
		AgentURL:       v.GetString("agent_url"),
		AgentID:        v.GetString("agent_id"),
		LedgerPath:     v.GetString("ledger_path"),
		LogDir:         v.GetString("log_dir"),
		KeysDir:        v.GetString("keys_dir"),
		CommandTimeout: v.GetDuration("command_timeout"),
		MaxParallel:    v.GetInt("max_parallel"),
		Shell:          v.GetString("shell"),
		WorkDir:        v.GetString("workdir"),
		IsolateEnv:     v.GetBool("isolate_env"),
		LogLevel:       v.GetString("log_level"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var problems []string
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.AgentPort <= 0 || c.AgentPort > 65535 {
		problems = append(problems, fmt.Sprintf("agent_port %d out of range", c.AgentPort))
	}
	if c.CommandTimeout <= 0 {
		problems = append(problems, "command_timeout must be positive")
	}
	if c.MaxParallel < 0 {
		problems = append(problems, "max_parallel must not be negative")
	}
	if c.Shell == "" {
		problems = append(problems, "shell must be set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
