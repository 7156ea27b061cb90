package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse("loyaltymart", nil, env(nil))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Handler.ServerAddr)
	require.Equal(t, "info", cfg.Logger.LogLevel)
	require.Equal(t, 10*time.Second, cfg.Store.QueryTimeout)
	require.True(t, cfg.Memory)
	require.Empty(t, cfg.Handler.AllowedOrigins)
	require.Equal(t, 1.0, cfg.Handler.LoginRate)
	require.Len(t, cfg.Token.SecretKey, 64)

	other, err := parse("loyaltymart", nil, env(nil))
	require.NoError(t, err)
	require.NotEqual(t, cfg.Token.SecretKey, other.Token.SecretKey)
}

func TestParseSecretRequiredWithDatabase(t *testing.T) {
	_, err := parse("loyaltymart", []string{"-d", "postgres://db"}, env(nil))
	require.ErrorIs(t, err, ErrNoSecret)

	_, err = parse("loyaltymart", nil, env(map[string]string{"DATABASE_URI": "postgres://db", "JWT_SECRET": ""}))
	require.ErrorIs(t, err, ErrNoSecret)

	cfg, err := parse("loyaltymart", []string{"-d", "postgres://db", "-s", "s3cret"}, env(nil))
	require.NoError(t, err)
	require.Equal(t, "s3cret", cfg.Token.SecretKey)
	require.False(t, cfg.Memory)
}

func TestParseEnvOverridesFlags(t *testing.T) {
	cfg, err := parse("loyaltymart",
		[]string{"-a", ":9000", "-d", "postgres://flag", "-l", "debug", "-origins", "http://a.test"},
		env(map[string]string{
			"RUN_ADDRESS":           ":9100",
			"JWT_SECRET":            "s3cret",
			"PAYMENT_POLL_INTERVAL": "250ms",
			"ALLOWED_ORIGINS":       "http://b.test, http://c.test",
			"LOGIN_RATE":            "0",
		}))
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Handler.ServerAddr)
	require.Equal(t, "postgres://flag", cfg.Store.DBDsn)
	require.Equal(t, "debug", cfg.Logger.LogLevel)
	require.Equal(t, "s3cret", cfg.Token.SecretKey)
	require.Equal(t, 250*time.Millisecond, cfg.Service.PaymentPollInterval)
	require.Equal(t, []string{"http://b.test", "http://c.test"}, cfg.Handler.AllowedOrigins)
	require.Zero(t, cfg.Handler.LoginRate)
	require.False(t, cfg.Memory)
}

func TestParseErrors(t *testing.T) {
	_, err := parse("loyaltymart", nil, env(map[string]string{"TOKEN_TTL": "forever"}))
	require.Error(t, err)

	_, err = parse("loyaltymart", nil, env(map[string]string{"MEMORY_STORE": "maybe"}))
	require.Error(t, err)

	_, err = parse("loyaltymart", []string{"-unknown"}, env(nil))
	require.Error(t, err)
}
