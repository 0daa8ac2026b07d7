package backup

import (
	"context"
	"testing"

	"github.com/bitrise-io/go-backup/backup/network"
	"github.com/bitrise-io/go-backup/backup/network/largeobject"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiEnv() map[string]string {
	return map[string]string{
		"BACKUP_PATHS":     "/data/one|/data/two",
		"BACKUP_EXCLUDES":  "**/*.tmp",
		"BACKUP_CONTAINER": "container",
		"BACKUP_PREFIX":    "nightly",
		"BACKUP_COMPRESS":  "true",
		"BACKUP_BACKEND":   "api",
		"BACKUP_API_URL":   "https://backup.example.com",
		"BACKUP_API_TOKEN": "token",
	}
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     func() map[string]string
		wantErr bool
	}{
		{
			name: "Valid API backend",
			env:  apiEnv,
		},
		{
			name: "Missing API token",
			env: func() map[string]string {
				env := apiEnv()
				delete(env, "BACKUP_API_TOKEN")
				return env
			},
			wantErr: true,
		},
		{
			name: "Missing paths",
			env: func() map[string]string {
				env := apiEnv()
				delete(env, "BACKUP_PATHS")
				return env
			},
			wantErr: true,
		},
		{
			name: "Unknown backend",
			env: func() map[string]string {
				env := apiEnv()
				env["BACKUP_BACKEND"] = "ftp"
				return env
			},
			wantErr: true,
		},
		{
			name: "S3 backend without region",
			env: func() map[string]string {
				env := apiEnv()
				env["BACKUP_BACKEND"] = "s3"
				return env
			},
			wantErr: true,
		},
		{
			name: "Part size below the minimum",
			env: func() map[string]string {
				env := apiEnv()
				env["BACKUP_PART_SIZE_MB"] = "1"
				return env
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(fakeEnvRepo{envVars: tt.env()})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestParseConfig_Input(t *testing.T) {
	config, err := ParseConfig(fakeEnvRepo{envVars: apiEnv()})
	require.NoError(t, err)

	assert.Equal(t, Input{
		Paths:       []string{"/data/one", "/data/two"},
		Excludes:    []string{"**/*.tmp"},
		ContainerID: "container",
		Prefix:      "nightly",
		Compress:    true,
	}, config.Input())
}

func TestConfig_EngineConfig(t *testing.T) {
	config := Config{MaxWorkers: 4, PartSizeMB: 200, MaxConsecutiveErrors: 3}

	engineConfig, err := config.EngineConfig()

	require.NoError(t, err)
	assert.Equal(t, 4, engineConfig.MaxWorkers)
	assert.Equal(t, 4, engineConfig.InitialWorkers)
	assert.Equal(t, 200*1024*1024, engineConfig.RecommendedPartSize)
	assert.Equal(t, 3, engineConfig.MaxConsecutiveErrors)
	assert.Equal(t, largeobject.DefaultMinimumLargeObjectSize, engineConfig.MinimumLargeObjectSize)
}

func TestConfig_EngineConfigDefaults(t *testing.T) {
	engineConfig, err := Config{}.EngineConfig()

	require.NoError(t, err)
	assert.Equal(t, largeobject.DefaultConfig(), engineConfig)
}

func TestNewBackend(t *testing.T) {
	config := Config{Backend: backendAPI, APIBaseURL: "https://backup.example.com", APIAccessToken: "token"}

	backend, err := NewBackend(context.Background(), config, log.NewLogger())

	require.NoError(t, err)
	assert.IsType(t, &network.APIBackend{}, backend)

	_, err = NewBackend(context.Background(), Config{Backend: "ftp"}, log.NewLogger())
	assert.Error(t, err)
}
