// Package config loads deployment configuration from flags, the process
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mnehpets/hfconnect/auth"
	"github.com/mnehpets/hfconnect/seal"
	"github.com/mnehpets/hfconnect/secret"
)

// Keys read through viper. Flags bound with BindPFlag use the same names.
const (
	KeyAddr             = "ADDR"
	KeyPublicURL        = "PUBLIC_URL"
	KeyAppEnv           = "APP_ENV"
	KeyLogLevel         = "LOG_LEVEL"
	KeyLogFormat        = "LOG_FORMAT"
	KeyEmbedded         = "HF_OAUTH_EMBEDDED"
	KeyEnabled          = "HF_OAUTH_ENABLED"
	KeyStateFormat      = "HF_OAUTH_STATE_FORMAT"
	KeyDiscoveryTimeout = "HF_OAUTH_DISCOVERY_TIMEOUT"
	KeyTokenTimeout     = "HF_OAUTH_TOKEN_TIMEOUT"
	KeyExchangeMethod   = "HF_OAUTH_EXCHANGE_METHOD"
	KeyCORSOrigins      = "HF_OAUTH_CORS_ORIGINS"
	KeySessionSecret    = "HF_SESSION_SECRET"
	KeySessionCipher    = "HF_SESSION_CIPHER"

	// Injected by Hugging Face Spaces with OAuth enabled.
	KeySpaceClientID     = "OAUTH_CLIENT_ID"
	KeySpaceClientSecret = "OAUTH_CLIENT_SECRET"
	KeySpaceScopes       = "OAUTH_SCOPES"
	KeySpaceProviderURL  = "OPENID_PROVIDER_URL"
	KeySpaceHost         = "SPACE_HOST"
	KeySpaceID           = "SPACE_ID"

	// Explicit OAuth app registration.
	KeyClientID     = "HF_OAUTH_CLIENT_ID"
	KeyClientSecret = "HF_OAUTH_CLIENT_SECRET"
	KeyScopes       = "HF_OAUTH_SCOPES"
	KeyProviderURL  = "HF_OAUTH_PROVIDER_URL"
)

// Config is the resolved deployment configuration.
type Config struct {
	Addr      string
	PublicURL string
	// Production enables Secure cookies and HSTS.
	Production bool
	// Embedded marks an iframe deployment; cookies become SameSite=None.
	Embedded    bool
	CORSOrigins []string

	Provider    auth.ProviderConfig
	StateFormat auth.StateFormat

	DiscoveryTimeout time.Duration
	TokenTimeout     time.Duration

	// SessionSecret is empty when none of the candidate variables is set.
	SessionSecret string
	Cipher        seal.AEADFactory
	CipherName    string

	LogLevel  slog.Level
	LogFormat string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, ":8080")
	v.SetDefault(KeyAppEnv, "development")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyEnabled, true)
	v.SetDefault(KeyStateFormat, string(auth.StateFormatToken))
	v.SetDefault(KeyDiscoveryTimeout, auth.DefaultDiscoveryTimeout.String())
	v.SetDefault(KeyTokenTimeout, auth.DefaultTokenTimeout.String())
	v.SetDefault(KeySessionCipher, "aes-256-gcm")
}

// LoadDotEnv loads path (".env" when empty) into the process environment
// without overriding variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: loading %s: %w", path, err)
	}
	return nil
}

// Load resolves Config from v. Values come from flags bound to v, then the
// process environment, then defaults.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.AutomaticEnv()

	cfg := Config{
		Addr:        v.GetString(KeyAddr),
		PublicURL:   strings.TrimRight(strings.TrimSpace(v.GetString(KeyPublicURL)), "/"),
		Production:  strings.EqualFold(strings.TrimSpace(v.GetString(KeyAppEnv)), "production"),
		Embedded:    v.GetBool(KeyEmbedded) || v.GetString(KeySpaceHost) != "" || v.GetString(KeySpaceID) != "",
		CORSOrigins: splitList(v.GetString(KeyCORSOrigins)),
		LogFormat:   strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
	}

	var err error
	if cfg.Provider, err = loadProvider(v); err != nil {
		return Config{}, err
	}
	if cfg.StateFormat, err = auth.ParseStateFormat(v.GetString(KeyStateFormat)); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", KeyStateFormat, err)
	}
	if cfg.DiscoveryTimeout, err = duration(v, KeyDiscoveryTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TokenTimeout, err = duration(v, KeyTokenTimeout); err != nil {
		return Config{}, err
	}

	cfg.CipherName = strings.ToLower(strings.TrimSpace(v.GetString(KeySessionCipher)))
	if cfg.Cipher, err = seal.CipherByName(cfg.CipherName); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", KeySessionCipher, err)
	}

	// A missing secret is not fatal; endpoints that need it answer 500.
	cfg.SessionSecret, _ = secret.Resolve(
		v.GetString(KeySessionSecret),
		v.GetString(KeySpaceClientSecret),
		v.GetString(KeyClientSecret),
	)

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString(KeyLogLevel))); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", KeyLogLevel, err)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("config: %s: unknown format %q", KeyLogFormat, cfg.LogFormat)
	}
	return cfg, nil
}

// loadProvider prefers the Space-injected OAuth app and falls back to the
// explicit HF_OAUTH_* registration.
func loadProvider(v *viper.Viper) (auth.ProviderConfig, error) {
	p := auth.ProviderConfig{Enabled: v.GetBool(KeyEnabled)}

	if id := strings.TrimSpace(v.GetString(KeySpaceClientID)); id != "" {
		p.Mode = auth.ModeSpace
		p.ClientID = id
		p.ClientSecret = strings.TrimSpace(v.GetString(KeySpaceClientSecret))
		p.Scopes = splitScopes(v.GetString(KeySpaceScopes))
		p.ProviderURL = strings.TrimSpace(v.GetString(KeySpaceProviderURL))
	} else {
		p.Mode = auth.ModeCustom
		p.ClientID = strings.TrimSpace(v.GetString(KeyClientID))
		p.ClientSecret = strings.TrimSpace(v.GetString(KeyClientSecret))
		p.Scopes = splitScopes(v.GetString(KeyScopes))
		p.ProviderURL = strings.TrimSpace(v.GetString(KeyProviderURL))
	}
	if p.ProviderURL == "" {
		p.ProviderURL = auth.DefaultProviderURL
	}
	if len(p.Scopes) == 0 {
		p.Scopes = append([]string(nil), auth.DefaultScopes...)
	}

	// Spaces always issue a client secret, so the confidential grant is the
	// default there. Custom apps default to PKCE.
	method := v.GetString(KeyExchangeMethod)
	if strings.TrimSpace(method) == "" && p.Mode == auth.ModeSpace && p.ClientSecret != "" {
		method = string(auth.ExchangeClientSecret)
	}
	m, err := auth.ParseExchangeMethod(method)
	if err != nil {
		return auth.ProviderConfig{}, fmt.Errorf("config: %s: %w", KeyExchangeMethod, err)
	}
	p.ExchangeMethod = m
	return p, nil
}

// duration accepts Go duration strings and bare integers as seconds.
func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, serr := strconv.ParseInt(raw, 10, 64)
		if serr != nil {
			return 0, fmt.Errorf("config: %s: invalid duration %q", key, raw)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s: must be positive", key)
	}
	return d, nil
}

// splitScopes accepts space or comma separated scopes.
func splitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
