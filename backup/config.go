package backup

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-backup/backup/network"
	"github.com/bitrise-io/go-backup/backup/network/largeobject"
	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	backendAPI = "api"
	backendS3  = "s3"
)

// Config is the environment driven configuration of a backup run.
type Config struct {
	Verbose     bool     `env:"BACKUP_VERBOSE"`
	Paths       []string `env:"BACKUP_PATHS,required"`
	Excludes    []string `env:"BACKUP_EXCLUDES"`
	ContainerID string   `env:"BACKUP_CONTAINER,required"`
	Prefix      string   `env:"BACKUP_PREFIX"`
	Compress    bool     `env:"BACKUP_COMPRESS"`
	StateDB     string   `env:"BACKUP_STATE_DB"`

	Backend        string          `env:"BACKUP_BACKEND,opt[api,s3]"`
	APIBaseURL     stepconf.Secret `env:"BACKUP_API_URL"`
	APIAccessToken stepconf.Secret `env:"BACKUP_API_TOKEN"`

	AWSRegion          string          `env:"BACKUP_AWS_REGION"`
	AWSAccessKeyID     stepconf.Secret `env:"BACKUP_AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey stepconf.Secret `env:"BACKUP_AWS_SECRET_ACCESS_KEY"`

	// Engine tuning, zero keeps the engine default.
	MaxWorkers           int `env:"BACKUP_MAX_WORKERS"`
	PartSizeMB           int `env:"BACKUP_PART_SIZE_MB"`
	MaxConsecutiveErrors int `env:"BACKUP_MAX_CONSECUTIVE_ERRORS"`
}

// ParseConfig reads the configuration from the environment.
func ParseConfig(envRepo env.Repository) (Config, error) {
	var config Config
	if err := stepconf.NewInputParser(envRepo).Parse(&config); err != nil {
		return Config{}, err
	}

	switch config.Backend {
	case backendAPI:
		if strings.TrimSpace(string(config.APIBaseURL)) == "" {
			return Config{}, fmt.Errorf("BACKUP_API_URL must be set for the %s backend", backendAPI)
		}
		if strings.TrimSpace(string(config.APIAccessToken)) == "" {
			return Config{}, fmt.Errorf("BACKUP_API_TOKEN must be set for the %s backend", backendAPI)
		}
	case backendS3:
		if config.AWSRegion == "" {
			return Config{}, fmt.Errorf("BACKUP_AWS_REGION must be set for the %s backend", backendS3)
		}
	}

	if _, err := config.EngineConfig(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// EngineConfig returns the large object engine configuration with the overrides of the run applied.
func (c Config) EngineConfig() (largeobject.Config, error) {
	config := largeobject.DefaultConfig()

	if c.MaxWorkers > 0 {
		config.MaxWorkers = c.MaxWorkers
		config.InitialWorkers = c.MaxWorkers
		if config.MinWorkers > c.MaxWorkers {
			config.MinWorkers = c.MaxWorkers
		}
	}
	if c.PartSizeMB > 0 {
		config.RecommendedPartSize = c.PartSizeMB * 1024 * 1024
	}
	if c.MaxConsecutiveErrors > 0 {
		config.MaxConsecutiveErrors = c.MaxConsecutiveErrors
	}

	if err := config.Validate(); err != nil {
		return largeobject.Config{}, fmt.Errorf("invalid engine configuration: %w", err)
	}
	return config, nil
}

// NewBackend creates the remote selected by the configuration.
func NewBackend(ctx context.Context, config Config, logger log.Logger) (network.Backend, error) {
	switch config.Backend {
	case backendAPI:
		return network.NewAPIBackend(string(config.APIBaseURL), string(config.APIAccessToken), logger), nil
	case backendS3:
		backend, err := network.NewS3Backend(ctx, network.S3Params{
			Region:          config.AWSRegion,
			Bucket:          config.ContainerID,
			AccessKeyID:     string(config.AWSAccessKeyID),
			SecretAccessKey: string(config.AWSSecretAccessKey),
		}, logger)
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown backend: %q", config.Backend)
	}
}

// Input returns the backup run described by the configuration.
func (c Config) Input() Input {
	return Input{
		Paths:       c.Paths,
		Excludes:    c.Excludes,
		ContainerID: c.ContainerID,
		Prefix:      c.Prefix,
		Compress:    c.Compress,
	}
}
