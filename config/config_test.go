package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnehpets/hfconnect/auth"
)

var allKeys = []string{
	KeyAddr, KeyPublicURL, KeyAppEnv, KeyLogLevel, KeyLogFormat, KeyEmbedded,
	KeyEnabled, KeyStateFormat, KeyDiscoveryTimeout, KeyTokenTimeout,
	KeyExchangeMethod, KeyCORSOrigins, KeySessionSecret, KeySessionCipher,
	KeySpaceClientID, KeySpaceClientSecret, KeySpaceScopes, KeySpaceProviderURL,
	KeySpaceHost, KeySpaceID,
	KeyClientID, KeyClientSecret, KeyScopes, KeyProviderURL,
}

// cleanEnv blanks every key so the host environment cannot leak into a test.
// viper treats empty variables as unset.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cleanEnv(t)
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.False(t, cfg.Production)
	assert.False(t, cfg.Embedded)
	assert.Equal(t, auth.StateFormatToken, cfg.StateFormat)
	assert.Equal(t, auth.DefaultDiscoveryTimeout, cfg.DiscoveryTimeout)
	assert.Equal(t, auth.DefaultTokenTimeout, cfg.TokenTimeout)
	assert.Equal(t, "aes-256-gcm", cfg.CipherName)
	assert.NotNil(t, cfg.Cipher)
	assert.Empty(t, cfg.SessionSecret)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)

	p := cfg.Provider
	assert.Equal(t, auth.ModeCustom, p.Mode)
	assert.True(t, p.Enabled)
	assert.False(t, p.Configured(), "no client id")
	assert.Equal(t, auth.DefaultProviderURL, p.ProviderURL)
	assert.Equal(t, auth.DefaultScopes, p.Scopes)
	assert.Equal(t, auth.ExchangePKCE, p.ExchangeMethod)
}

func TestLoad_SpaceMode(t *testing.T) {
	cleanEnv(t)
	t.Setenv(KeySpaceClientID, "space-client")
	t.Setenv(KeySpaceClientSecret, "space-secret")
	t.Setenv(KeySpaceScopes, "openid profile")
	t.Setenv(KeySpaceProviderURL, "https://hf.example")
	t.Setenv(KeySpaceHost, "user-app.hf.space")
	// Ignored while the Space variables are present.
	t.Setenv(KeyClientID, "custom-client")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	p := cfg.Provider
	assert.Equal(t, auth.ModeSpace, p.Mode)
	assert.Equal(t, "space-client", p.ClientID)
	assert.Equal(t, "space-secret", p.ClientSecret)
	assert.Equal(t, []string{"openid", "profile"}, p.Scopes)
	assert.Equal(t, "https://hf.example", p.ProviderURL)
	assert.Equal(t, auth.ExchangeClientSecret, p.ExchangeMethod)
	assert.True(t, p.Configured())
	assert.True(t, cfg.Embedded)
	// The client secret doubles as the session secret.
	assert.Equal(t, "space-secret", cfg.SessionSecret)
}

func TestLoad_CustomMode(t *testing.T) {
	cleanEnv(t)
	t.Setenv(KeyClientID, "custom-client")
	t.Setenv(KeyClientSecret, "custom-secret")
	t.Setenv(KeyScopes, "openid,inference-api")
	t.Setenv(KeySessionSecret, "dedicated")
	t.Setenv(KeyAppEnv, "Production")
	t.Setenv(KeyPublicURL, "https://app.example/")
	t.Setenv(KeyCORSOrigins, "https://a.example, https://b.example,")
	t.Setenv(KeyStateFormat, "legacy")
	t.Setenv(KeyDiscoveryTimeout, "3")
	t.Setenv(KeyTokenTimeout, "1500ms")
	t.Setenv(KeySessionCipher, "xchacha20-poly1305")
	t.Setenv(KeyLogLevel, "debug")
	t.Setenv(KeyLogFormat, "JSON")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	p := cfg.Provider
	assert.Equal(t, auth.ModeCustom, p.Mode)
	assert.Equal(t, []string{"openid", "inference-api"}, p.Scopes)
	// A secret alone does not switch custom apps off PKCE.
	assert.Equal(t, auth.ExchangePKCE, p.ExchangeMethod)
	assert.Equal(t, "dedicated", cfg.SessionSecret)
	assert.True(t, cfg.Production)
	assert.Equal(t, "https://app.example", cfg.PublicURL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, auth.StateFormatLegacy, cfg.StateFormat)
	assert.Equal(t, 3*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.TokenTimeout)
	assert.Equal(t, "xchacha20-poly1305", cfg.CipherName)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_ExplicitExchangeMethodWins(t *testing.T) {
	cleanEnv(t)
	t.Setenv(KeySpaceClientID, "space-client")
	t.Setenv(KeySpaceClientSecret, "space-secret")
	t.Setenv(KeyExchangeMethod, "pkce")

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, auth.ExchangePKCE, cfg.Provider.ExchangeMethod)
}

func TestLoad_Disabled(t *testing.T) {
	cleanEnv(t)
	t.Setenv(KeyClientID, "custom-client")
	t.Setenv(KeyEnabled, "false")

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.False(t, cfg.Provider.Configured())
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	cleanEnv(t)
	t.Setenv(KeyAddr, ":9000")
	v := viper.New()
	v.Set(KeyAddr, ":7000")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{KeyExchangeMethod, "implicit"},
		{KeyStateFormat, "jwt"},
		{KeyDiscoveryTimeout, "soon"},
		{KeyTokenTimeout, "0"},
		{KeySessionCipher, "rot13"},
		{KeyLogLevel, "loud"},
		{KeyLogFormat, "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cleanEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load(viper.New())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("HF_OAUTH_CLIENT_ID=from-file\nADDR=:1111\n"), 0o600))

	// Existing variables are not overridden. Blank counts as unset for
	// viper but is still "set" for godotenv, so give ADDR a real value.
	t.Setenv(KeyAddr, ":2222")
	os.Unsetenv(KeyClientID)
	t.Cleanup(func() { os.Unsetenv(KeyClientID) })

	require.NoError(t, LoadDotEnv(path))
	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Provider.ClientID)
	assert.Equal(t, ":2222", cfg.Addr)

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}
