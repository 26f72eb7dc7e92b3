package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Game   GameSection   `toml:"game"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxMessageLength      int `toml:"max_message_length"`
	MaxUsernameLength     int `toml:"max_username_length"`
	MaxChannelNameLength  int `toml:"max_channel_name_length"`
	HistoryLimit          int `toml:"history_limit"`
	SessionTimeoutSeconds int `toml:"session_timeout_seconds"`
}

type GameSection struct {
	Executable      string `toml:"executable"`
	Host            string `toml:"host"`
	MaxParticipants int    `toml:"max_participants"`
	TimeoutMinutes  int    `toml:"timeout_minutes"`
}

// DefaultTOMLConfig returns the default TOML configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      7420,
			HTTPPort:     8080,
			MetricsPort:  9090,
			DatabasePath: "~/.duelchat/duelchat.db",
		},
		Limits: LimitsSection{
			MaxMessageLength:      4096,
			MaxUsernameLength:     20,
			MaxChannelNameLength:  50,
			HistoryLimit:          50,
			SessionTimeoutSeconds: 300,
		},
		Game: GameSection{
			Executable:      "duelchat-game",
			Host:            "127.0.0.1",
			MaxParticipants: 4,
			TimeoutMinutes:  10,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default file if
// not found, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Best effort: if the default file can't be written we still run
		writeDefaultConfig(path)
		return applyEnvOverrides(DefaultTOMLConfig()), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: DUELCHAT_SECTION_KEY
// Example: DUELCHAT_SERVER_TCP_PORT=7421
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}
	envString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}

	envInt("DUELCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("DUELCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("DUELCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("DUELCHAT_SERVER_DATABASE_PATH", &config.Server.DatabasePath)

	envInt("DUELCHAT_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("DUELCHAT_LIMITS_MAX_USERNAME_LENGTH", &config.Limits.MaxUsernameLength)
	envInt("DUELCHAT_LIMITS_MAX_CHANNEL_NAME_LENGTH", &config.Limits.MaxChannelNameLength)
	envInt("DUELCHAT_LIMITS_HISTORY_LIMIT", &config.Limits.HistoryLimit)
	envInt("DUELCHAT_LIMITS_SESSION_TIMEOUT_SECONDS", &config.Limits.SessionTimeoutSeconds)

	envString("DUELCHAT_GAME_EXECUTABLE", &config.Game.Executable)
	envString("DUELCHAT_GAME_HOST", &config.Game.Host)
	envInt("DUELCHAT_GAME_MAX_PARTICIPANTS", &config.Game.MaxParticipants)
	envInt("DUELCHAT_GAME_TIMEOUT_MINUTES", &config.Game.TimeoutMinutes)

	return config
}

// writeDefaultConfig writes a documented default config file.
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# DuelChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# DUELCHAT_SECTION_KEY (e.g., DUELCHAT_SERVER_TCP_PORT=7421)

[server]
# Port for TCP client connections
tcp_port = 7420

# Port for the public HTTP server (/ws endpoint)
# Set to 0 to disable
http_port = 8080

# Port for the internal metrics server (/metrics, /health)
# Never expose this publicly
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.duelchat/duelchat.db"

[limits]
# Maximum chat message length in bytes
max_message_length = 4096

# Maximum username length in characters
max_username_length = 20

# Maximum channel name length in characters
max_channel_name_length = 50

# Number of recent messages replayed on ENTER_SERVER
history_limit = 50

# Sessions idle longer than this are disconnected
session_timeout_seconds = 300

[game]
# Game executable spawned for accepted challenges. Invoked as:
#   <executable> --port <port> --players <name1,name2,...>
executable = "duelchat-game"

# Address advertised to clients in minigame invites
host = "127.0.0.1"

# Maximum participants per challenge (challenger and defender included)
max_participants = 4

# Games running longer than this are killed and resolved without a winner
# Set to 0 to let games run forever
timeout_minutes = 10
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ServerConfig is the resolved runtime configuration.
type ServerConfig struct {
	TCPPort     int
	HTTPPort    int
	MetricsPort int

	MaxMessageLength     int
	MaxUsernameLength    int
	MaxChannelNameLength int
	HistoryLimit         int
	SessionTimeout       time.Duration

	GameExecutable      string
	GameHost            string
	GameMaxParticipants int
	GameTimeout         time.Duration
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() ServerConfig {
	c := DefaultTOMLConfig()
	return c.ToServerConfig()
}

// ToServerConfig converts TOMLConfig to the runtime ServerConfig, filling in
// defaults for missing values.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	def := DefaultTOMLConfig()

	pick := func(v, fallback int) int {
		if v != 0 {
			return v
		}
		return fallback
	}

	cfg := ServerConfig{
		TCPPort:     pick(c.Server.TCPPort, def.Server.TCPPort),
		HTTPPort:    c.Server.HTTPPort,
		MetricsPort: pick(c.Server.MetricsPort, def.Server.MetricsPort),

		MaxMessageLength:     pick(c.Limits.MaxMessageLength, def.Limits.MaxMessageLength),
		MaxUsernameLength:    pick(c.Limits.MaxUsernameLength, def.Limits.MaxUsernameLength),
		MaxChannelNameLength: pick(c.Limits.MaxChannelNameLength, def.Limits.MaxChannelNameLength),
		HistoryLimit:         pick(c.Limits.HistoryLimit, def.Limits.HistoryLimit),
		SessionTimeout:       time.Duration(pick(c.Limits.SessionTimeoutSeconds, def.Limits.SessionTimeoutSeconds)) * time.Second,

		GameExecutable:      c.Game.Executable,
		GameHost:            c.Game.Host,
		GameMaxParticipants: pick(c.Game.MaxParticipants, def.Game.MaxParticipants),
		GameTimeout:         time.Duration(c.Game.TimeoutMinutes) * time.Minute,
	}

	if cfg.GameExecutable == "" {
		cfg.GameExecutable = def.Game.Executable
	}
	if cfg.GameHost == "" {
		cfg.GameHost = def.Game.Host
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded.
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if path == "" {
		path = DefaultTOMLConfig().Server.DatabasePath
	}
	return expandHome(path)
}
