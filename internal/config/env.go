package config

import (
	"os"
	"strconv"
	"time"
)

// The Env*OrDefault helpers seed command line flag defaults. Unlike the
// getEnv* family an empty variable counts as unset.

// EnvOrDefault returns the variable's value, or fallback when it is empty.
func EnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvIntOrDefault parses the variable as an int.
func EnvIntOrDefault(key string, fallback int) int {
	return envParsed(key, fallback, strconv.Atoi)
}

// EnvBoolOrDefault parses the variable with strconv.ParseBool.
func EnvBoolOrDefault(key string, fallback bool) bool {
	return envParsed(key, fallback, strconv.ParseBool)
}

// EnvDurationOrDefault parses the variable with time.ParseDuration.
func EnvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	return envParsed(key, fallback, time.ParseDuration)
}

// envParsed returns fallback when the variable is empty or does not parse.
func envParsed[T any](key string, fallback T, parse func(string) (T, error)) T {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := parse(v)
	if err != nil {
		return fallback
	}
	return parsed
}
