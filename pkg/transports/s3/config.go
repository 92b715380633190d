package s3

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds the connection settings of an S3 mirror. Credentials and the
// endpoint come from the environment; bucket and prefix from the URI.
type Config struct {
	Endpoint     string `env:"S3_ENDPOINT" envDefault:"s3.amazonaws.com"`
	AccessKey    string `env:"AWS_ACCESS_KEY_ID"`
	SecretKey    string `env:"AWS_SECRET_ACCESS_KEY"`
	SessionToken string `env:"AWS_SESSION_TOKEN"`
	Region       string `env:"AWS_REGION"`
	UseSSL       bool   `env:"S3_USE_SSL" envDefault:"true"`

	// CreateBucket makes the bucket on Dial when it does not exist.
	CreateBucket bool `env:"S3_CREATE_BUCKET"`

	Bucket string
	Prefix string
}

// LoadConfig reads the environment part of the configuration.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// ParseURI builds a Config from s3://bucket/prefix and the environment.
func ParseURI(uri string) (*Config, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid s3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid s3 URI %q: scheme must be s3", uri)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid s3 URI %q: bucket is required", uri)
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Bucket = u.Host
	cfg.Prefix = strings.Trim(u.Path, "/")
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("access key and secret key must be set together")
	}
	return nil
}
