// Package config holds the file and environment loading helpers shared by
// the edgepub binaries.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment keys for secrets that should not live in config files.
const (
	EnvGrantSecret = "EDGEPUB_GRANT_SECRET"
	EnvAdminToken  = "EDGEPUB_ADMIN_TOKEN"
	EnvNATSURL     = "EDGEPUB_NATS_URL"
)

// LoadEnv loads .env style files into the process environment. Missing
// files are skipped; variables already set are never overwritten.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config env load failed (%s): %w", path, err)
		}
	}
	return nil
}

// DecodeFile decodes a TOML file into out and returns its metadata so
// callers can apply only the keys that were set.
func DecodeFile(path string, out any) (toml.MetaData, error) {
	if _, err := os.Stat(path); err != nil {
		return toml.MetaData{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return toml.MetaData{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return toml.MetaData{}, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	return meta, nil
}

// Duration parses a duration string for key.
func Duration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %s", key, raw)
	}
	return d, nil
}

// Secret returns value when set, otherwise the environment variable key.
func Secret(value, key string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(key))
}

// Strings trims entries and drops empty ones.
func Strings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
