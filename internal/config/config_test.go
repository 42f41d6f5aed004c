package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func masterKeys() string {
	k1 := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("a", 32)))
	k0 := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("b", 32)))
	return "k1:" + k1 + ",k0:" + k0
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaultsAndSecrets(t *testing.T) {
	t.Setenv("EHR_JWT_SECRET", testSecret)
	t.Setenv("EHR_MASTER_KEYS", masterKeys())
	t.Setenv("EHR_DATABASE_PASSWORD", "s3cret")

	path := writeConfig(t, "encryption:\n  active_key_id: k1\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, 30, cfg.Access.GrantTTLDays)
	assert.Equal(t, 30*24*time.Hour, cfg.Access.GrantTTL())
	assert.Equal(t, 8, cfg.Access.CodeLength)
	assert.Equal(t, 5, cfg.Access.CodeAttemptsPerMinute)
	assert.False(t, cfg.Encryption.UnitClause)
	assert.Equal(t, 5*time.Second, cfg.Outbox.PollInterval)

	policy := cfg.Outbox.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 10*time.Second, policy.Backoff)

	keys, err := cfg.Encryption.Keyring()
	require.NoError(t, err)
	assert.Equal(t, "k1", keys.ActiveID())
	assert.Equal(t, []string{"k0", "k1"}, keys.IDs())
}

func TestLoadConfigFileAndEnvOverrides(t *testing.T) {
	t.Setenv("EHR_JWT_SECRET", testSecret)
	t.Setenv("EHR_MASTER_KEYS", masterKeys())
	t.Setenv("EHR_SERVER_PORT", "9090")

	path := writeConfig(t, `
server:
  port: 8000
encryption:
  active_key_id: k0
  unit_clause: true
access:
  grant_ttl_days: 7
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Encryption.UnitClause)
	assert.Equal(t, 7, cfg.Access.GrantTTLDays)
	assert.Equal(t, "k0", cfg.Encryption.ActiveKeyID)
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	path := writeConfig(t, "encryption:\n  active_key_id: k1\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt secret")
	assert.Contains(t, err.Error(), "EHR_MASTER_KEYS")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:     ServerConfig{Port: 8080},
			Database:   DatabaseConfig{Host: "db", Name: "ehr"},
			JWT:        JWTConfig{Secret: testSecret},
			Encryption: EncryptionConfig{ActiveKeyID: "k1", MasterKeys: masterKeys()},
			Access:     AccessConfig{GrantTTLDays: 30, CodeLength: 8, CodeAttemptsPerMinute: 5},
			Outbox:     OutboxConfig{BatchSize: 10},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "short secret", mutate: func(c *Config) { c.JWT.Secret = "x" }, wantErr: "jwt secret"},
		{name: "no ttl", mutate: func(c *Config) { c.Access.GrantTTLDays = 0 }, wantErr: "grant_ttl_days"},
		{name: "short code", mutate: func(c *Config) { c.Access.CodeLength = 4 }, wantErr: "code_length"},
		{name: "smtp without host", mutate: func(c *Config) { c.SMTP.Enabled = true }, wantErr: "smtp.host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestKeyringRejectsUnknownActiveKey(t *testing.T) {
	_, err := EncryptionConfig{ActiveKeyID: "k9", MasterKeys: masterKeys()}.Keyring()
	assert.Error(t, err)
}
