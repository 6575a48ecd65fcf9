package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjwalker189/mongodb-tools/pkg/config"
	"github.com/sjwalker189/mongodb-tools/pkg/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "changefeed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoadConfigPriority(t *testing.T) {
	path := writeConfig(t, `
feed:
  source: redis
redis:
  stream: orders
gateway:
  listen_addr: ":9000"
`)

	t.Setenv("CHANGEFEED_ADDR", ":9100")
	cfg, err := loadConfig([]string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, config.SourceRedis, cfg.Feed.Source)
	assert.Equal(t, ":9100", cfg.Gateway.ListenAddr, "env beats file")

	cfg, err = loadConfig([]string{"-config", path, "-addr", ":9200"})
	require.NoError(t, err)
	assert.Equal(t, ":9200", cfg.Gateway.ListenAddr, "flag beats env")
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := writeConfig(t, "feed:\n  name: from-env\n")
	t.Setenv("CHANGEFEED_CONFIG", path)

	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Feed.Name)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	_, err := loadConfig([]string{"-source", "kafka"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")

	_, err = loadConfig([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestOpenSourceUnknown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Feed.Source = "kafka"
	_, err := openSource(context.Background(), cfg, logging.Wrap(nil))
	assert.True(t, errors.Is(err, errUnknownSource))
}

func TestOpenSQLSource(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Feed.Source = config.SourceSQL
	cfg.Feed.ResumeToken = "7"
	cfg.SQL.DSN = filepath.Join(t.TempDir(), "feed.db")
	cfg.SQL.CreateSchema = true

	src, err := openSource(context.Background(), cfg, logging.Wrap(nil))
	require.NoError(t, err)
	defer src.close(context.Background())

	assert.Equal(t, "7", src.token.String())
	assert.NotNil(t, src.opener)
}
