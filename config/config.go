// Package config loads server configuration from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/mnehpets/directserve/direct"
	"github.com/mnehpets/directserve/middleware"
)

const logPrefix = "config:Load"

// Config holds the server configuration.
type Config struct {
	Addr string `envconfig:"DIRECT_ADDR" default:":8080"`

	// Ext.Direct
	RouterPath       string `envconfig:"DIRECT_ROUTER_PATH" default:"/direct/router"`
	APIPath          string `envconfig:"DIRECT_API_PATH" default:"/direct/api"`
	Namespace        string `envconfig:"DIRECT_NAMESPACE" default:"Ext.app"`
	Descriptor       string `envconfig:"DIRECT_DESCRIPTOR" default:"Ext.app.REMOTING_API"`
	ExposeExceptions bool   `envconfig:"DIRECT_EXPOSE_EXCEPTIONS" default:"true"`
	// PublicURL is the externally visible base URL; empty derives it from
	// each request.
	PublicURL        string `envconfig:"DIRECT_PUBLIC_URL"`
	BatchConcurrency int    `envconfig:"DIRECT_BATCH_CONCURRENCY" default:"0"`
	ACLFile          string `envconfig:"DIRECT_ACL_FILE"`

	// Sessions. SessionKeys is a comma separated list of id:base64 pairs.
	SessionKeyID  string `envconfig:"SESSION_KEY_ID"`
	SessionKeys   string `envconfig:"SESSION_KEYS"`
	SessionSecure bool   `envconfig:"SESSION_SECURE" default:"true"`

	// Bearer ID tokens; both empty disables bearer auth.
	OIDCIssuer   string `envconfig:"OIDC_ISSUER"`
	OIDCClientID string `envconfig:"OIDC_CLIENT_ID"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"40"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	MetricsPath string `envconfig:"METRICS_PATH" default:"/metrics"`
}

// Load reads envFiles (default ".env") into the environment without
// overriding variables already set, then processes the environment. Missing
// env files are ignored.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s - read %s: %w", logPrefix, f, err)
		}
	}
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &c, nil
}

// Validate checks values that envconfig cannot.
func (c *Config) Validate() error {
	var errs []error
	for name, p := range map[string]string{
		"DIRECT_ROUTER_PATH": c.RouterPath,
		"DIRECT_API_PATH":    c.APIPath,
		"METRICS_PATH":       c.MetricsPath,
	} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("%s must start with /", name))
		}
	}
	if c.RouterPath == c.APIPath {
		errs = append(errs, errors.New("DIRECT_ROUTER_PATH and DIRECT_API_PATH must differ"))
	}
	if c.Namespace == "" || c.Descriptor == "" {
		errs = append(errs, errors.New("DIRECT_NAMESPACE and DIRECT_DESCRIPTOR are required"))
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("DIRECT_PUBLIC_URL %q must be an absolute http(s) URL", c.PublicURL))
		}
	}
	if c.BatchConcurrency < 0 {
		errs = append(errs, errors.New("DIRECT_BATCH_CONCURRENCY must not be negative"))
	}
	if (c.SessionKeyID == "") != (c.SessionKeys == "") {
		errs = append(errs, errors.New("SESSION_KEY_ID and SESSION_KEYS must be set together"))
	} else if c.SessionKeys != "" {
		keys, err := c.ParseSessionKeys()
		if err != nil {
			errs = append(errs, err)
		} else if _, ok := keys[c.SessionKeyID]; !ok {
			errs = append(errs, fmt.Errorf("SESSION_KEY_ID %q not in SESSION_KEYS", c.SessionKeyID))
		}
	}
	if (c.OIDCIssuer == "") != (c.OIDCClientID == "") {
		errs = append(errs, errors.New("OIDC_ISSUER and OIDC_CLIENT_ID must be set together"))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be text or json", c.LogFormat))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s - %w", logPrefix, errors.Join(errs...))
}

// ParseSessionKeys decodes SessionKeys.
func (c *Config) ParseSessionKeys() (map[string][]byte, error) {
	return middleware.ParseKeys(c.SessionKeys)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// RouterOptions returns the direct.Router options this configuration
// implies.
func (c *Config) RouterOptions() []direct.Option {
	opts := []direct.Option{
		direct.WithRouterPath(c.RouterPath),
		direct.WithAPIPath(c.APIPath),
		direct.WithNamespace(c.Namespace),
		direct.WithDescriptor(c.Descriptor),
		direct.WithExposeExceptions(c.ExposeExceptions),
		direct.WithBatchConcurrency(c.BatchConcurrency),
	}
	if c.PublicURL != "" {
		opts = append(opts, direct.WithPublicURL(c.PublicURL))
	}
	return opts
}
