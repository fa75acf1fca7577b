package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// DefaultAPIURL is used when PLANPROOF_API_URL is unset.
const DefaultAPIURL = "http://localhost:8000"

type BaseEnv struct {
	APIURL   string `envconfig:"API_URL" default:"http://localhost:8000"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// SessionPath overrides where the bearer token is persisted.
	// Empty means the default under the user config directory.
	SessionPath string `envconfig:"SESSION_PATH" default:""`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".planproof/results"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"planproof/"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
}

type Env struct {
	BaseEnv
	StorageEnv
}

const namespace = "PLANPROOF"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// ResolveSessionPath returns the token file location, creating parent
// directories as needed.
func (e *BaseEnv) ResolveSessionPath() (string, error) {
	path := e.SessionPath
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve user config dir: %w", err)
		}
		path = filepath.Join(dir, "planproof", "session.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}
	return path, nil
}
