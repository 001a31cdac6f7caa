package refract

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Mode, ModeVolatile)
	assert.Equal(t, config.Listen, DefaultServerSettings().ListenAddress)
	assert.Equal(t, config.Manage.Listen, DefaultManagerSettings().ListenAddress)
	assert.Equal(t, config.Validate(), nil)

	settings := config.ServerSettings()
	assert.Equal(t, settings.Volatile, true)
}

func TestLoadConfigFile(t *testing.T) {
	contents := `
listen: ":6042"
ws_listen: ":6043"
ws_path: "/collab"
write_timeout: 10s
mode: redis
redis_url: "redis://localhost:6379/0"
manage:
  listen: "127.0.0.1:6044"
  local_only: false
  secret: "s3cret"
`
	path := filepath.Join(t.TempDir(), "refractd.yml")
	assert.Equal(t, os.WriteFile(path, []byte(contents), 0600), nil)

	config, err := LoadConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Listen, ":6042")
	assert.Equal(t, config.Mode, ModeRedis)
	assert.Equal(t, config.RedisUrl, "redis://localhost:6379/0")
	assert.Equal(t, config.WriteTimeout, 10*time.Second)

	settings := config.ServerSettings()
	assert.Equal(t, settings.ListenAddress, ":6042")
	assert.Equal(t, settings.WsListenAddress, ":6043")
	assert.Equal(t, settings.WsPath, "/collab")
	assert.Equal(t, settings.WriteTimeout, 10*time.Second)
	assert.Equal(t, settings.Volatile, false)

	managerSettings := config.ManagerSettings()
	assert.Equal(t, managerSettings.ListenAddress, "127.0.0.1:6044")
	assert.Equal(t, managerSettings.LocalOnly, false)
	assert.Equal(t, managerSettings.Secret, "s3cret")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.NotEqual(t, err, nil)
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, config.Validate(), nil)

	config.Mode = ModePostgres
	assert.NotEqual(t, config.Validate(), nil)
	config.PostgresDsn = "postgres://refract@localhost/refract"
	assert.Equal(t, config.Validate(), nil)

	config.Mode = ModeRedis
	assert.NotEqual(t, config.Validate(), nil)
	config.RedisUrl = "redis://localhost:6379"
	assert.Equal(t, config.Validate(), nil)

	config.Mode = "cassandra"
	assert.NotEqual(t, config.Validate(), nil)
}
