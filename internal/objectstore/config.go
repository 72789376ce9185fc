package objectstore

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const defaultBucket = "source-pipeline"

// Config captures the object store connection settings.
type Config struct {
	EndpointURL     string
	Region          string
	UseSSL          bool
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// RootPath overrides where LocalStore keeps objects for file:// or empty endpoints.
	RootPath string
}

// Normalize fills defaults in place and returns the config.
func (c *Config) Normalize() *Config {
	c.EndpointURL = strings.TrimSpace(c.EndpointURL)
	if c.Bucket == "" {
		c.Bucket = defaultBucket
	}
	return c
}

// Open returns an S3 client for http/https endpoints and a LocalStore otherwise.
func Open(cfg *Config) (ObjectStore, error) {
	cfg.Normalize()
	if strings.HasPrefix(cfg.EndpointURL, "http://") || strings.HasPrefix(cfg.EndpointURL, "https://") {
		client, err := NewS3Client(cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return NewLocalStore(cfg.objectRoot()), nil
}

func (c *Config) objectRoot() string {
	if c.RootPath != "" {
		return c.RootPath
	}
	if strings.HasPrefix(c.EndpointURL, "file://") {
		if u, err := url.Parse(c.EndpointURL); err == nil && u.Path != "" {
			return u.Path
		}
	}
	return filepath.Join(os.TempDir(), "source-pipeline-store")
}
