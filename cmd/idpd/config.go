package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dexidp/idpd/internal/cryptoutil"
)

// Config is the on-disk YAML configuration format, grounded on
// dexidp/dex's cmd/dex Config (cmd/dex/config.go): a flat top-level struct
// of sub-structs per concern, with *Env sibling fields on anything secret
// so deployments can inject values from the environment instead of the
// file.
type Config struct {
	Issuer string `json:"issuer"`

	Storage StorageConfig `json:"storage"`
	Web     WebConfig     `json:"web"`
	Secrets SecretsConfig `json:"secrets"`
	Expiry  ExpiryConfig  `json:"expiry"`
	Logger  LoggerConfig  `json:"logger"`

	// StaticClients seeds the client registry at boot. Real deployments
	// register clients administratively instead; this exists for
	// single-binary / development use, mirroring dex's StaticClients.
	StaticClients []StaticClient `json:"staticClients"`

	RequireEmailVerified bool `json:"requireEmailVerified"`

	// PasswordHashCost is the bcrypt cost passed to identity.Service. Zero
	// falls back to cryptoutil.DefaultHashCost.
	PasswordHashCost int `json:"passwordHashCost"`
}

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	// Type is "memory", "postgres", or "sqlite3".
	Type string `json:"type"`
	DSN  string `json:"dsn"`
}

// WebConfig holds the HTTP-facing settings.
type WebConfig struct {
	HTTP          string `json:"http"`
	TelemetryHTTP string `json:"telemetryHTTP"`

	// Production flips cookie Secure on; AllowedOrigins enables CORS.
	Production     bool     `json:"production"`
	SSODomain      string   `json:"ssoDomain"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

// SecretsConfig carries the three HMAC signing secrets, each with an *Env
// sibling per dex's client.SecretEnv convention (cmd/dex/config.go).
type SecretsConfig struct {
	AccessSecret     string `json:"accessSecret"`
	AccessSecretEnv  string `json:"accessSecretEnv"`
	RefreshSecret    string `json:"refreshSecret"`
	RefreshSecretEnv string `json:"refreshSecretEnv"`
	IDSecret         string `json:"idSecret"`
	IDSecretEnv      string `json:"idSecretEnv"`
}

func resolveSecret(value, env string) (string, error) {
	if env != "" {
		if value != "" {
			return "", fmt.Errorf("value and *Env fields are exclusive for the same secret")
		}
		v := os.Getenv(env)
		if v == "" {
			return "", fmt.Errorf("environment variable %q is not set", env)
		}
		return v, nil
	}
	return value, nil
}

// ExpiryConfig holds the token/code lifetimes as parseable durations
// (e.g. "24h"). Empty uses the package defaults.
type ExpiryConfig struct {
	AccessTokens  string `json:"accessTokens"`
	RefreshTokens string `json:"refreshTokens"`
	AuthCodes     string `json:"authCodes"`
}

// LoggerConfig configures the logrus-backed corelog.Logger.
type LoggerConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// StaticClient is a bootstrap-time registered relying party.
type StaticClient struct {
	ClientID        string   `json:"id"`
	ClientSecret    string   `json:"secret"`
	ClientSecretEnv string   `json:"secretEnv"`
	Name            string   `json:"name"`
	RedirectURIs    []string `json:"redirectURIs"`
}

// Validate performs the fast, file-level checks dex's Config.Validate does
// before attempting any I/O.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.Issuer == "", "no issuer specified in config file"},
		{c.Storage.Type == "", "no storage type specified in config file"},
		{c.Storage.Type != "memory" && c.Storage.DSN == "", "storage dsn is required for non-memory backends"},
		{c.Web.HTTP == "", "must supply a web.http address to listen on"},
		{c.Secrets.AccessSecret == "" && c.Secrets.AccessSecretEnv == "", "secrets.accessSecret or secrets.accessSecretEnv is required"},
		{c.Secrets.RefreshSecret == "" && c.Secrets.RefreshSecretEnv == "", "secrets.refreshSecret or secrets.refreshSecretEnv is required"},
		{c.PasswordHashCost != 0 && c.PasswordHashCost < cryptoutil.MinHashCost, fmt.Sprintf("passwordHashCost must be at least %d", cryptoutil.MinHashCost)},
	}

	var errs []string
	for _, check := range checks {
		if check.bad {
			errs = append(errs, check.errMsg)
		}
	}
	for i, sc := range c.StaticClients {
		if sc.ClientID == "" {
			errs = append(errs, fmt.Sprintf("staticClients[%d]: id is required", i))
		}
		if sc.ClientSecret == "" && sc.ClientSecretEnv == "" {
			errs = append(errs, fmt.Sprintf("staticClients[%d]: secret or secretEnv is required", i))
		}
		if len(sc.RedirectURIs) == 0 {
			errs = append(errs, fmt.Sprintf("staticClients[%d]: at least one redirect URI is required", i))
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(errs, "\n\t-\t"))
	}
	return nil
}
