package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the client configuration
type Config struct {
	Server struct {
		Origin string `koanf:"origin"`  // http(s) origin of the application
		WSPath string `koanf:"ws_path"` // real-time endpoint path
		Token  string `koanf:"token"`   // session token, sent as cookie and bearer
	} `koanf:"server"`

	Realtime struct {
		HeartbeatInterval     time.Duration `koanf:"heartbeat_interval"`
		HeartbeatTimeout      time.Duration `koanf:"heartbeat_timeout"`
		InitialReconnectDelay time.Duration `koanf:"initial_reconnect_delay"`
		MaxReconnectDelay     time.Duration `koanf:"max_reconnect_delay"`
	} `koanf:"realtime"`

	Thread struct {
		TypingCooldown       time.Duration `koanf:"typing_cooldown"`
		TypingMaxAge         time.Duration `koanf:"typing_max_age"`
		TypingSweepInterval  time.Duration `koanf:"typing_sweep_interval"`
		RealityCheckInterval time.Duration `koanf:"reality_check_interval"`
	} `koanf:"thread"`

	Render struct {
		ScrollThreshold int           `koanf:"scroll_threshold"`
		FrameInterval   time.Duration `koanf:"frame_interval"`
	} `koanf:"render"`

	HTTP struct {
		Timeout    time.Duration `koanf:"timeout"`
		MaxRetries int           `koanf:"max_retries"`
	} `koanf:"http"`

	Log struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
		File   string `koanf:"file"`
	} `koanf:"log"`
}

// Defaults returns the built-in configuration values.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.origin":                    "http://localhost:8000",
		"server.ws_path":                   "/ws",
		"realtime.heartbeat_interval":      "25s",
		"realtime.heartbeat_timeout":       "10s",
		"realtime.initial_reconnect_delay": "1s",
		"realtime.max_reconnect_delay":     "30s",
		"thread.typing_cooldown":           "1s",
		"thread.typing_max_age":            "3s",
		"thread.typing_sweep_interval":     "4s",
		"thread.reality_check_interval":    "60s",
		"render.scroll_threshold":          120,
		"render.frame_interval":            "16ms",
		"http.timeout":                     "10s",
		"http.max_retries":                 2,
		"log.level":                        "info",
		"log.pretty":                       false,
	}
}

// envKey maps LIVETHREAD_REALTIME_HEARTBEAT_INTERVAL to realtime.heartbeat_interval.
// Only the first underscore separates the section; the rest belong to the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "LIVETHREAD_"))
	return strings.Replace(s, "_", ".", 1)
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./livethread.toml", "$HOME/.livethread.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix LIVETHREAD_
	if err := k.Load(env.Provider("LIVETHREAD_", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	// Unmarshal into Config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# livethread configuration

[server]
origin = "https://app.example.com"
ws_path = "/ws"
token = "your-session-token"

[realtime]
heartbeat_interval = "25s"
heartbeat_timeout = "10s"
initial_reconnect_delay = "1s"
max_reconnect_delay = "30s"

[thread]
typing_cooldown = "1s"
typing_max_age = "3s"
typing_sweep_interval = "4s"
reality_check_interval = "60s"

[render]
scroll_threshold = 120
frame_interval = "16ms"

[http]
timeout = "10s"
max_retries = 2

[log]
level = "info"
pretty = true
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.Server.Origin == "" {
		return fmt.Errorf("server origin is required")
	}
	u, err := url.Parse(config.Server.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server origin must be an http(s) URL, got %q", config.Server.Origin)
	}
	if !strings.HasPrefix(config.Server.WSPath, "/") {
		return fmt.Errorf("server ws_path must start with /")
	}

	rt := config.Realtime
	if rt.HeartbeatInterval <= 0 || rt.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat interval and timeout must be positive")
	}
	if rt.HeartbeatTimeout >= rt.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout (%s) must be shorter than the interval (%s)", rt.HeartbeatTimeout, rt.HeartbeatInterval)
	}
	if rt.InitialReconnectDelay <= 0 {
		return fmt.Errorf("initial reconnect delay must be positive")
	}
	if rt.MaxReconnectDelay < rt.InitialReconnectDelay {
		return fmt.Errorf("max reconnect delay must not be below the initial delay")
	}

	th := config.Thread
	if th.TypingCooldown <= 0 || th.TypingMaxAge <= 0 || th.TypingSweepInterval <= 0 {
		return fmt.Errorf("typing timings must be positive")
	}
	if th.RealityCheckInterval < time.Second {
		return fmt.Errorf("reality check interval must be at least 1s")
	}

	if config.Render.ScrollThreshold < 0 {
		return fmt.Errorf("scroll threshold must not be negative")
	}
	if config.Render.FrameInterval <= 0 {
		return fmt.Errorf("frame interval must be positive")
	}

	if config.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http max_retries must not be negative")
	}

	return nil
}
