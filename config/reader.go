package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/a8m/envsubst"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// LoadEnv loads the .env file next to the config file, if there is one. Variables already set
// in the environment win.
func LoadEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return errors.Wrapf(godotenv.Load(envPath), "loading %s", envPath)
}

// Read reads a config from the given file, expanding ${VAR} references from the environment
// and the adjacent .env file.
func Read(filePath string) (*Config, error) {
	if err := LoadEnv(filePath); err != nil {
		return nil, err
	}
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filePath)
	}
	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader decodes a config over the defaults and validates it. originalPath is recorded as
// the config's source.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	cfg := Default()
	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config from json")
	}
	cfg.ConfigFilePath = originalPath
	cfg.Servo = cfg.Servo.Clamped()
	cfg.Pickup = cfg.Pickup.Clamped()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
