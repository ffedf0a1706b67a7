package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored and existing variables are kept.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			log.Printf("failed to load %s: %v", file, err)
		}
	}
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetDuration reads a Go duration string ("1500ms", "2s"). Bare integers are
// treated as seconds.
func GetDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("invalid value for %s: %v", key, err)
		return fallback
	}
	return parsed
}

// GetList returns the non-empty values of the given keys, in order.
func GetList(keys ...string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if value := strings.TrimSpace(GetString(key, "")); value != "" {
			out = append(out, value)
		}
	}
	return out
}
