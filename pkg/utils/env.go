// Package utils provides shared helpers used across the node.
package utils

import (
	"os"
	"strconv"
	"sync"
	"time"
)

// envCache memoises non-empty environment lookups so hot paths avoid the
// syscall on every read.
var envCache sync.Map // map[string]string

func lookup(key string) (string, bool) {
	if v, ok := envCache.Load(key); ok {
		return v.(string), true
	}
	if v, ok := os.LookupEnv(key); ok && v != "" {
		envCache.Store(key, v)
		return v, true
	}
	return "", false
}

// clearEnvCache drops a cached value; used by tests that mutate the
// environment between calls.
func clearEnvCache(key string) {
	envCache.Delete(key)
}

// EnvOrDefault returns the environment value for key, or fallback when the
// variable is unset or empty.
func EnvOrDefault(key, fallback string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return fallback
}

// EnvOrDefaultInt parses key as an int, returning fallback when unset,
// empty, or unparseable.
func EnvOrDefaultInt(key string, fallback int) int {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// EnvOrDefaultBool parses key as a bool, returning fallback when unset,
// empty, or unparseable.
func EnvOrDefaultBool(key string, fallback bool) bool {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// EnvOrDefaultDuration parses key as a time.Duration, returning fallback
// when unset, empty, or unparseable.
func EnvOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
