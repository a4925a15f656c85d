package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "postgres://localhost/campaignflow")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "postgres://localhost/campaignflow", cfg.Database.URL)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Worker.ErrorBackoff)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Worker.ReplyWait)
	assert.Equal(t, 3*time.Second, cfg.Approval.PollInterval)
	assert.Equal(t, 20, cfg.Approval.MaxErrors)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.Tolerance)
	assert.Equal(t, "campaignflow", cfg.NATS.SubjectPrefix)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "campaignflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: postgres://file/db
worker:
  poll_interval: 2s
  auto_approve: true
log:
  format: JSON
`), 0o600))
	t.Setenv("CAMPAIGNFLOW_WORKER_POLL_INTERVAL", "750ms")
	t.Setenv("CAMPAIGNFLOW_WEBHOOK_INBOUND_SECRET", "whsec_abc")
	t.Setenv("DATABASE_URL", "postgres://env/ignored")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/db", cfg.Database.URL)
	assert.Equal(t, 750*time.Millisecond, cfg.Worker.PollInterval)
	assert.True(t, cfg.Worker.AutoApprove)
	assert.Equal(t, "whsec_abc", cfg.Webhook.InboundSecret)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "database.url")

	cfg.Database.URL = "postgres://x"
	cfg.Worker.PollInterval = 0
	assert.ErrorContains(t, cfg.Validate(), "worker.poll_interval")

	cfg.Worker.PollInterval = time.Second
	cfg.Log.Format = "xml"
	assert.ErrorContains(t, cfg.Validate(), "log.format")

	cfg.Log.Format = "text"
	cfg.Worker.ReplyWait = -time.Second
	assert.ErrorContains(t, cfg.Validate(), "worker.reply_wait")

	cfg.Worker.ReplyWait = 0
	cfg.Worker.MaxAttempts = 0
	assert.ErrorContains(t, cfg.Validate(), "max_attempts")
}
