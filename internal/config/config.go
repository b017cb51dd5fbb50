package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the agent configuration
type Config struct {
	Room        RoomConfig        `toml:"room"`
	Participant ParticipantConfig `toml:"participant"`
	Channel     ChannelConfig     `toml:"channel"`
	Token       TokenConfig       `toml:"token"`
	Device      DeviceConfig      `toml:"device"`
	Transfer    TransferConfig    `toml:"transfer"`
	Spotify     SpotifyConfig     `toml:"spotify"`
	Database    DatabaseConfig    `toml:"database"`
	Logging     LoggingConfig     `toml:"logging"`
	Control     ControlConfig     `toml:"control"`
	Tunnel      TunnelConfig      `toml:"tunnel"`
}

// RoomConfig locates the room service and the room to join
type RoomConfig struct {
	ServiceURL            string `toml:"service_url"`
	WebsocketURL          string `toml:"websocket_url"`
	RoomID                string `toml:"room_id"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	CacheTTLSeconds       int    `toml:"cache_ttl_seconds"`
}

// ParticipantConfig is who this instance joins as. InstanceID keys the
// persisted identity so a restarted instance keeps its participant id.
type ParticipantConfig struct {
	InstanceID  string `toml:"instance_id"`
	DisplayName string `toml:"display_name"`
	Role        string `toml:"role"`
}

// ChannelConfig is the realtime reconnection policy
type ChannelConfig struct {
	ReconnectAttempts     int `toml:"reconnect_attempts"`
	ReconnectDelayMs      int `toml:"reconnect_delay_ms"`
	ReconnectMaxDelayMs   int `toml:"reconnect_max_delay_ms"`
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
}

// TokenConfig controls credential refresh on the host
type TokenConfig struct {
	RefreshLeadSeconds int `toml:"refresh_lead_seconds"`
}

// DeviceConfig configures the host's playback endpoint
type DeviceConfig struct {
	Name                string   `toml:"name"`
	Volume              int      `toml:"volume"`
	EndpointPath        string   `toml:"endpoint_path"`
	EndpointArgs        []string `toml:"endpoint_args"`
	LoadAttempts        int      `toml:"load_attempts"`
	LoadTimeoutSeconds  int      `toml:"load_timeout_seconds"`
	ReadyTimeoutSeconds int      `toml:"ready_timeout_seconds"`
	ConfirmAttempts     int      `toml:"confirm_attempts"`
	ConfirmBaseDelayMs  int      `toml:"confirm_base_delay_ms"`
	NotReadyDelayMs     int      `toml:"not_ready_delay_ms"`
}

// TransferConfig tunes track transfer verification
type TransferConfig struct {
	VerifyDelayMs   int `toml:"verify_delay_ms"`
	ActivateDelayMs int `toml:"activate_delay_ms"`
	TimeoutSeconds  int `toml:"timeout_seconds"`
}

// SpotifyConfig points at the provider API
type SpotifyConfig struct {
	APIBaseURL          string `toml:"api_base_url"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
}

// DatabaseConfig contains session store configuration
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// ControlConfig is the local control API
type ControlConfig struct {
	Enabled            bool   `toml:"enabled"`
	Host               string `toml:"host"`
	Port               string `toml:"port"`
	PasswordHash       string `toml:"password_hash"`
	ReadTimeoutSeconds int    `toml:"read_timeout_seconds"`
}

// TunnelConfig contains ngrok tunnel configuration for the control API
type TunnelConfig struct {
	Enabled      bool   `toml:"enabled"`
	AuthToken    string `toml:"auth_token"`
	Domain       string `toml:"domain"`
	EnableAuth   bool   `toml:"enable_auth"`
	AuthProvider string `toml:"auth_provider"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Room: RoomConfig{
			ServiceURL:            "http://localhost:3001",
			RequestTimeoutSeconds: 10,
			CacheTTLSeconds:       300,
		},
		Participant: ParticipantConfig{
			Role: "member",
		},
		Channel: ChannelConfig{
			ReconnectAttempts:     5,
			ReconnectDelayMs:      1000,
			ReconnectMaxDelayMs:   5000,
			ConnectTimeoutSeconds: 20,
		},
		Token: TokenConfig{
			RefreshLeadSeconds: 300,
		},
		Device: DeviceConfig{
			Name:                "TopTrack Player",
			Volume:              50,
			LoadAttempts:        3,
			LoadTimeoutSeconds:  10,
			ReadyTimeoutSeconds: 15,
			ConfirmAttempts:     5,
			ConfirmBaseDelayMs:  1000,
			NotReadyDelayMs:     2000,
		},
		Transfer: TransferConfig{
			VerifyDelayMs:   1500,
			ActivateDelayMs: 1000,
			TimeoutSeconds:  45,
		},
		Spotify: SpotifyConfig{
			PollIntervalSeconds: 5,
		},
		Database: DatabaseConfig{
			Path: "./toptrack.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Control: ControlConfig{
			Enabled:            true,
			Host:               "127.0.0.1",
			Port:               "8090",
			ReadTimeoutSeconds: 30,
		},
		Tunnel: TunnelConfig{
			AuthProvider: "google",
		},
	}
}

// LoadConfig loads configuration from a TOML file, writing the defaults
// there on first run
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		return cfg, nil
	}
	return Load(configPath)
}

// Load parses and validates an existing configuration file
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv loads envPath (if present) and lets environment variables
// override secrets and per-instance settings
func (c *Config) ApplyEnv(envPath string) error {
	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return fmt.Errorf("failed to load %s: %w", envPath, err)
			}
		}
	}

	overrides := map[string]*string{
		"TOPTRACK_SERVICE_URL":           &c.Room.ServiceURL,
		"TOPTRACK_ROOM_ID":               &c.Room.RoomID,
		"TOPTRACK_DISPLAY_NAME":          &c.Participant.DisplayName,
		"TOPTRACK_ROLE":                  &c.Participant.Role,
		"TOPTRACK_INSTANCE_ID":           &c.Participant.InstanceID,
		"TOPTRACK_CONTROL_PASSWORD_HASH": &c.Control.PasswordHash,
		"NGROK_AUTHTOKEN":                &c.Tunnel.AuthToken,
	}
	for key, field := range overrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*field = v
		}
	}
	return c.Validate()
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# TopTrack room agent configuration
# Secrets (control password hash, ngrok token) may instead be set in .env.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid. The room id and display
// name may be empty here; they can come from the session store.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Room.ServiceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("room service url must be an http(s) URL: %q", c.Room.ServiceURL)
	}
	if c.Room.WebsocketURL != "" {
		u, err := url.Parse(c.Room.WebsocketURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("websocket url must be a ws(s) URL: %q", c.Room.WebsocketURL)
		}
	}
	if c.Room.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("room request timeout must be positive")
	}

	switch c.Participant.Role {
	case "host", "member":
	default:
		return fmt.Errorf("invalid participant role: %s (must be host or member)", c.Participant.Role)
	}

	if c.Channel.ReconnectAttempts < 0 {
		return fmt.Errorf("channel reconnect attempts cannot be negative")
	}
	if c.Channel.ReconnectDelayMs <= 0 || c.Channel.ReconnectMaxDelayMs < c.Channel.ReconnectDelayMs {
		return fmt.Errorf("channel reconnect delays must be positive and max >= base")
	}
	if c.Token.RefreshLeadSeconds < 0 {
		return fmt.Errorf("token refresh lead cannot be negative")
	}

	if strings.TrimSpace(c.Device.Name) == "" {
		return fmt.Errorf("device name cannot be empty")
	}
	if c.Device.Volume < 0 || c.Device.Volume > 100 {
		return fmt.Errorf("device volume must be between 0 and 100")
	}
	if c.Device.LoadAttempts < 1 || c.Device.ConfirmAttempts < 1 {
		return fmt.Errorf("device load and confirm attempts must be at least 1")
	}

	if c.Transfer.VerifyDelayMs < 0 || c.Transfer.ActivateDelayMs < 0 {
		return fmt.Errorf("transfer delays cannot be negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	if c.Control.Enabled && c.Control.Port == "" {
		return fmt.Errorf("control port cannot be empty")
	}
	if c.Tunnel.Enabled && !c.Control.Enabled {
		return fmt.Errorf("the tunnel requires the control API")
	}
	return nil
}

// GetAddress returns the control API listen address
func (c *Config) GetAddress() string {
	return c.Control.Host + ":" + c.Control.Port
}

// WebsocketEndpoint returns the realtime URL, derived from the service URL
// when not set explicitly
func (c *Config) WebsocketEndpoint() string {
	if c.Room.WebsocketURL != "" {
		return c.Room.WebsocketURL
	}
	base := strings.TrimRight(c.Room.ServiceURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// Seconds converts a config integer into a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a config integer into a duration
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
