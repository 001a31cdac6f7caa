package refract

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeVolatile = "volatile"
	ModePostgres = "postgres"
	ModeRedis    = "redis"
)

type ManageConfig struct {
	Listen    string `yaml:"listen"`
	LocalOnly *bool  `yaml:"local_only"`
	Secret    string `yaml:"secret"`
}

type Config struct {
	Listen       string        `yaml:"listen"`
	WsListen     string        `yaml:"ws_listen"`
	WsPath       string        `yaml:"ws_path"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// volatile, postgres, or redis
	Mode        string `yaml:"mode"`
	PostgresDsn string `yaml:"postgres_dsn"`
	RedisUrl    string `yaml:"redis_url"`

	Manage ManageConfig `yaml:"manage"`
}

func DefaultConfig() *Config {
	serverSettings := DefaultServerSettings()
	managerSettings := DefaultManagerSettings()
	return &Config{
		Listen:       serverSettings.ListenAddress,
		WsListen:     serverSettings.WsListenAddress,
		WsPath:       serverSettings.WsPath,
		WriteTimeout: serverSettings.WriteTimeout,
		Mode:         ModeVolatile,
		Manage: ManageConfig{
			Listen: managerSettings.ListenAddress,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(contents, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *Config) Validate() error {
	switch self.Mode {
	case ModeVolatile:
	case ModePostgres:
		if self.PostgresDsn == "" {
			return fmt.Errorf("mode %s requires postgres_dsn", self.Mode)
		}
	case ModeRedis:
		if self.RedisUrl == "" {
			return fmt.Errorf("mode %s requires redis_url", self.Mode)
		}
	default:
		return fmt.Errorf("unknown mode %s", self.Mode)
	}
	return nil
}

// OpenStore opens the backend named by Mode.
func (self *Config) OpenStore(ctx context.Context) (Store, error) {
	switch self.Mode {
	case ModeVolatile:
		return NewMemoryStore(), nil
	case ModePostgres:
		return NewPgStore(ctx, self.PostgresDsn)
	case ModeRedis:
		return NewRedisStore(ctx, self.RedisUrl)
	}
	return nil, fmt.Errorf("unknown mode %s", self.Mode)
}

func (self *Config) ServerSettings() *ServerSettings {
	settings := DefaultServerSettings()
	if self.Listen != "" {
		settings.ListenAddress = self.Listen
	}
	settings.WsListenAddress = self.WsListen
	if self.WsPath != "" {
		settings.WsPath = self.WsPath
	}
	if 0 < self.WriteTimeout {
		settings.WriteTimeout = self.WriteTimeout
	}
	settings.Volatile = self.Mode == ModeVolatile
	return settings
}

func (self *Config) ManagerSettings() *ManagerSettings {
	settings := DefaultManagerSettings()
	if self.Manage.Listen != "" {
		settings.ListenAddress = self.Manage.Listen
	}
	if self.Manage.LocalOnly != nil {
		settings.LocalOnly = *self.Manage.LocalOnly
	}
	settings.Secret = self.Manage.Secret
	return settings
}
