package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

// Config holds all configuration options
type Config struct {
	// Server config
	Port   string `long:"port" env:"PORT" default:"8443" description:"Server port"`
	Issuer string `long:"issuer" env:"ISSUER" default:"https://localhost:8443" description:"Token issuer (iss claim)"`

	// Storage selection
	ClientStore string `long:"client-store" env:"CLIENT_STORE" default:"filesystem" choice:"filesystem" choice:"s3" description:"Client registry backend"`
	CodeStore   string `long:"code-store" env:"CODE_STORE" default:"memory" choice:"memory" choice:"redis" description:"Authorization code backend"`
	DBDriver    string `long:"db-driver" env:"DB_DRIVER" default:"sqlite" choice:"memory" choice:"sqlite" choice:"postgres" choice:"mysql" description:"Token, consent and transaction log backend"`
	DBDSN       string `long:"db-dsn" env:"DB_DSN" default:"file:fincenter.db?_busy_timeout=5000" description:"Database DSN"`

	// Filesystem storage
	DataPath string `long:"data-path" env:"DATA_PATH" default:"./data" description:"Filesystem storage directory"`

	// S3 storage
	S3 struct {
		Endpoint  string `long:"s3-endpoint" env:"S3_ENDPOINT" default:"localhost:9000" description:"S3 endpoint (host:port)"`
		Bucket    string `long:"s3-bucket" env:"S3_BUCKET" default:"fincenter" description:"S3 bucket name"`
		AccessKey string `long:"s3-access-key" env:"S3_ACCESS_KEY" default:"minioadmin" description:"S3 access key"`
		SecretKey string `long:"s3-secret-key" env:"S3_SECRET_KEY" default:"minioadmin" description:"S3 secret key"`
		UseSSL    bool   `long:"s3-use-ssl" env:"S3_USE_SSL" description:"Use SSL for S3 connections"`
	} `group:"S3 Storage Options"`

	// Redis config
	Redis struct {
		Addr     string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
		Password string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
		DB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
	} `group:"Redis Options"`

	// Key material, supplied from outside. Dev mode fills in throwaway values.
	Security struct {
		SigningKey        string `long:"signing-key" env:"SIGNING_KEY" description:"HMAC key for signing tokens"`
		CISecretAttribute string `long:"ci-secret-attribute" env:"CI_SECRET_ATTRIBUTE" description:"64 byte secret attribute block for CI derivation"`
		CIHMACKey         string `long:"ci-hmac-key" env:"CI_HMAC_KEY" description:"HMAC key for CI derivation"`
		InstitutionAPIKey string `long:"institution-api-key" env:"INSTITUTION_API_KEY" description:"Pre-shared key sent to institutions"`
		MockCI            bool   `long:"mock-ci" env:"MOCK_CI" description:"Accept phone numbers for CI derivation (test environments only)"`
		Dev               bool   `long:"dev" env:"DEV" description:"Generate throwaway keys when none are configured"`
	} `group:"Security Options"`

	// Tokens
	AccessTokenTTL  time.Duration `long:"access-token-ttl" env:"ACCESS_TOKEN_TTL" default:"2160h" description:"Access token lifetime"`
	RefreshTokenTTL time.Duration `long:"refresh-token-ttl" env:"REFRESH_TOKEN_TTL" default:"2400h" description:"Refresh token lifetime"`

	// Identifiers
	UseCode string `long:"use-code" env:"USE_CODE" default:"M202300000" description:"The center's own 10 character use code"`

	// Aggregation
	Aggregation struct {
		PoolSize           int           `long:"pool-size" env:"POOL_SIZE" default:"10" description:"Concurrent institution calls across all requests"`
		InstitutionTimeout time.Duration `long:"institution-timeout" env:"INSTITUTION_TIMEOUT" default:"10s" description:"Timeout for a single institution call"`
		InstitutionsFile   string        `long:"institutions-file" env:"INSTITUTIONS_FILE" default:"./config/institutions.yaml" description:"YAML institution catalogue"`
		ClientsFile        string        `long:"clients-file" env:"CLIENTS_FILE" description:"YAML file of clients to provision at startup"`
	} `group:"Aggregation Options"`
}

// LoadConfig parses configuration from environment variables and command line flags
func LoadConfig() (*Config, error) {
	var config Config

	parser := flags.NewParser(&config, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if len(c.UseCode) != 10 {
		return fmt.Errorf("use-code must be 10 characters, got %q", c.UseCode)
	}
	if c.Aggregation.PoolSize <= 0 {
		return fmt.Errorf("pool-size must be positive")
	}
	if c.Security.Dev {
		return nil
	}
	for name, value := range map[string]string{
		"signing-key":         c.Security.SigningKey,
		"ci-secret-attribute": c.Security.CISecretAttribute,
		"ci-hmac-key":         c.Security.CIHMACKey,
		"institution-api-key": c.Security.InstitutionAPIKey,
	} {
		if value == "" {
			return fmt.Errorf("%s is required unless --dev is set", name)
		}
	}
	return nil
}
