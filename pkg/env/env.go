// Package env reads typed settings from environment variables. A value that
// is unset or fails to parse yields the default.
package env

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func lookup[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := parse(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// GetString returns key or defaultValue
func GetString(key, defaultValue string) string {
	return lookup(key, defaultValue, func(s string) (string, error) { return s, nil })
}

// GetStringFromFile prefers the file named by KEY_FILE (Docker secrets)
// and falls back to KEY when that file cannot be read.
func GetStringFromFile(key, defaultValue string) string {
	if path := os.Getenv(key + "_FILE"); path != "" {
		if content, err := os.ReadFile(filepath.Clean(path)); err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return GetString(key, defaultValue)
}

func GetInt(key string, defaultValue int) int {
	return lookup(key, defaultValue, strconv.Atoi)
}

func GetBool(key string, defaultValue bool) bool {
	return lookup(key, defaultValue, strconv.ParseBool)
}

func GetDuration(key string, defaultValue time.Duration) time.Duration {
	return lookup(key, defaultValue, time.ParseDuration)
}

// GetStringSlice splits a comma-separated value, dropping blank items
func GetStringSlice(key string, defaultValue []string) []string {
	out := lookup[[]string](key, nil, func(s string) ([]string, error) {
		var parts []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				parts = append(parts, part)
			}
		}
		return parts, nil
	})
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
