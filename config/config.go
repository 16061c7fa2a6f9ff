// Package config loads the service configuration from a YAML file with
// environment variable fallback. A .env file next to the binary is loaded
// first so local runs need no exported variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Discord   DiscordConfig   `yaml:"discord"`
	Logging   LoggingConfig   `yaml:"logging"`
	Remote    RemoteConfig    `yaml:"remote"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Schedule  Schedule        `yaml:"schedule"`
}

// DiscordConfig holds gateway and REST settings.
type DiscordConfig struct {
	Token         string  `yaml:"token"`
	RESTPerSecond float64 `yaml:"rest_per_second"`
}

// LoggingConfig holds the send-report sink settings.
type LoggingConfig struct {
	Directory     string `yaml:"directory"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// RemoteConfig holds the HTTP control plane settings.
type RemoteConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DiscoveryConfig holds the guild discovery feed settings.
type DiscoveryConfig struct {
	BaseURL    string `yaml:"base_url"`
	Prompt     string `yaml:"prompt"`
	PageSize   int    `yaml:"page_size"`
	JoinBudget int    `yaml:"join_budget"`
}

// Schedule is the declarative message schedule built at startup.
type Schedule struct {
	Guilds     []GuildSchedule     `yaml:"guilds"`
	Users      []UserSchedule      `yaml:"users"`
	AutoGuilds []AutoGuildSchedule `yaml:"auto_guilds"`
}

// GuildSchedule declares one guild and its messages.
type GuildSchedule struct {
	GuildID  string            `yaml:"guild_id"`
	Logging  bool              `yaml:"logging"`
	RemoveIn time.Duration     `yaml:"remove_in"`
	Messages []MessageSchedule `yaml:"messages"`
}

// UserSchedule declares one DM recipient and its messages.
type UserSchedule struct {
	UserID   string            `yaml:"user_id"`
	Logging  bool              `yaml:"logging"`
	RemoveIn time.Duration     `yaml:"remove_in"`
	Messages []MessageSchedule `yaml:"messages"`
}

// AutoGuildSchedule declares one pattern-matched guild group.
type AutoGuildSchedule struct {
	IncludePattern string            `yaml:"include_pattern"`
	ExcludePattern string            `yaml:"exclude_pattern"`
	Logging        bool              `yaml:"logging"`
	RemoveIn       time.Duration     `yaml:"remove_in"`
	AutoJoin       bool              `yaml:"auto_join"`
	InviteTrack    []string          `yaml:"invite_track"`
	Messages       []MessageSchedule `yaml:"messages"`
}

// MessageSchedule declares one recurring message.
type MessageSchedule struct {
	Type             string        `yaml:"type"` // text, voice
	Channels         []string      `yaml:"channels"`
	Content          string        `yaml:"content"`
	AudioPath        string        `yaml:"audio_path"`
	Mode             string        `yaml:"mode"` // send, edit, clear-send
	StartPeriod      time.Duration `yaml:"start_period"`
	EndPeriod        time.Duration `yaml:"end_period"`
	StartIn          time.Duration `yaml:"start_in"`
	RemoveAfterCount int           `yaml:"remove_after_count"`
	RemoveAfterTime  time.Duration `yaml:"remove_after_time"`
}

// LoadConfig loads the configuration from a YAML file, falling back to
// environment variables for anything missing. A missing file is not fatal
// as long as the environment carries the required values.
func LoadConfig(filename string) (*Config, error) {
	// Best effort; absence of a .env file is the common case.
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(filename)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := loadConfigFromEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// loadConfigFromEnv fills values the file did not set.
func loadConfigFromEnv(cfg *Config) error {
	if cfg.Discord.Token == "" {
		cfg.Discord.Token = os.Getenv("DISCORD_TOKEN")
		if cfg.Discord.Token == "" {
			return fmt.Errorf("discord token not set in config file or DISCORD_TOKEN")
		}
	}
	if cfg.Discord.RESTPerSecond == 0 {
		if v := os.Getenv("DISCORD_REST_PER_SECOND"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid DISCORD_REST_PER_SECOND: %w", err)
			}
			cfg.Discord.RESTPerSecond = f
		}
	}
	if cfg.Logging.Directory == "" {
		cfg.Logging.Directory = os.Getenv("HERALD_LOG_DIR")
	}
	if cfg.Logging.SQLitePath == "" {
		cfg.Logging.SQLitePath = os.Getenv("HERALD_LOG_DB")
	}
	if cfg.Remote.Addr == "" {
		cfg.Remote.Addr = os.Getenv("HERALD_REMOTE_ADDR")
	}
	if cfg.Remote.Username == "" {
		cfg.Remote.Username = os.Getenv("HERALD_REMOTE_USERNAME")
	}
	if cfg.Remote.Password == "" {
		cfg.Remote.Password = os.Getenv("HERALD_REMOTE_PASSWORD")
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Logging.Directory == "" {
		cfg.Logging.Directory = "./logs"
	}
	if cfg.Logging.RetentionDays == 0 {
		cfg.Logging.RetentionDays = 30
	}
	if cfg.Remote.Enabled && cfg.Remote.Addr == "" {
		cfg.Remote.Addr = ":8080"
	}
}

// Validate checks the declarative schedule for mistakes that would only
// surface mid-run otherwise.
func (cfg *Config) Validate() error {
	check := func(where string, msgs []MessageSchedule) error {
		for i, m := range msgs {
			if m.Type != "text" && m.Type != "voice" && m.Type != "" {
				return fmt.Errorf("%s message %d: unknown type %q", where, i, m.Type)
			}
			if m.EndPeriod < m.StartPeriod {
				return fmt.Errorf("%s message %d: end_period before start_period", where, i)
			}
			if m.StartPeriod <= 0 && m.EndPeriod <= 0 {
				return fmt.Errorf("%s message %d: no period configured", where, i)
			}
		}
		return nil
	}
	for _, g := range cfg.Schedule.Guilds {
		if g.GuildID == "" {
			return fmt.Errorf("guild schedule entry missing guild_id")
		}
		if err := check("guild "+g.GuildID, g.Messages); err != nil {
			return err
		}
	}
	for _, u := range cfg.Schedule.Users {
		if u.UserID == "" {
			return fmt.Errorf("user schedule entry missing user_id")
		}
		if err := check("user "+u.UserID, u.Messages); err != nil {
			return err
		}
	}
	for _, a := range cfg.Schedule.AutoGuilds {
		if a.IncludePattern == "" {
			return fmt.Errorf("auto guild schedule entry missing include_pattern")
		}
		if err := check("auto guild "+a.IncludePattern, a.Messages); err != nil {
			return err
		}
	}
	return nil
}
