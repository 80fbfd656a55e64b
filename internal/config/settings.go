package config

import (
	"errors"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const defaultServerAddress = "127.0.0.1:8000"
const defaultRunTimeoutSeconds = 120

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Run     RunConfig     `toml:"run"`
	Logging LoggingConfig `toml:"logging"`
	Debug   DebugConfig   `toml:"debug"`
}

type ServerConfig struct {
	Address string `toml:"address"`
}

type RunConfig struct {
	UsePlanning    *bool `toml:"use_planning"`
	UseExplainer   *bool `toml:"use_explainer"`
	TimeoutSeconds int   `toml:"timeout_seconds"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

type DebugConfig struct {
	StreamDebug bool `toml:"stream_debug"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Address: defaultServerAddress,
		},
		Run: RunConfig{
			TimeoutSeconds: defaultRunTimeoutSeconds,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func Load() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Config{}, err
	}
	return loadFromPath(path)
}

func (c Config) ServerAddress() string {
	addr := strings.TrimSpace(c.Server.Address)
	if addr == "" {
		return defaultServerAddress
	}
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr = strings.TrimRight(addr, "/")
	if addr == "" {
		return defaultServerAddress
	}
	return addr
}

func (c Config) ServerBaseURL() string {
	return "http://" + c.ServerAddress()
}

func (c Config) RunTimeout() time.Duration {
	seconds := c.Run.TimeoutSeconds
	if seconds <= 0 {
		seconds = defaultRunTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// UsePlanning defaults to on. The planner is what produces the approval
// pauses this client is built around.
func (c Config) UsePlanning() bool {
	if c.Run.UsePlanning == nil {
		return true
	}
	return *c.Run.UsePlanning
}

func (c Config) UseExplainer() bool {
	if c.Run.UseExplainer == nil {
		return false
	}
	return *c.Run.UseExplainer
}

func (c Config) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

func (c Config) StreamDebugEnabled() bool {
	return c.Debug.StreamDebug
}

func loadFromPath(path string) (Config, error) {
	cfg := Default()
	if err := readTOML(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}
