// Package config reads typed settings from environment variables. Unset or unparsable values
// fall back to the caller's default.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// MinSecretLength is the shortest accepted HMAC or service secret.
const MinSecretLength = 32

// devSecrets are the placeholders shipped in local env files.
var devSecrets = map[string]struct{}{
	"dev-jwt-secret-change-me-32-bytes-minimum": {},
	"dev-provider-key-change-me":                {},
	"dev-storage-service-key-change-me":         {},
}

// IsInsecureDevSecret reports whether value is one of the local placeholder secrets.
func IsInsecureDevSecret(value string) bool {
	_, ok := devSecrets[value]
	return ok
}

func lookup[T any](key string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func GetEnvInt(key string, def int) int {
	return lookup(key, def, strconv.Atoi)
}

func GetEnvInt64(key string, def int64) int64 {
	return lookup(key, def, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func GetEnvBool(key string, def bool) bool {
	return lookup(key, def, strconv.ParseBool)
}

func GetEnvFloat64(key string, def float64) float64 {
	return lookup(key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func GetEnvDuration(key string, def time.Duration) time.Duration {
	return lookup(key, def, time.ParseDuration)
}

// GetEnvSlice splits a comma separated value and drops blank entries.
func GetEnvSlice(key string, def []string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// sizeUnits is checked in order, so "MB" wins over "B".
var sizeUnits = []struct {
	suffix string
	factor int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// GetEnvBytes parses sizes such as "10MB", "512KB" or a bare byte count.
func GetEnvBytes(key string, def int64) int64 {
	return lookup(key, def, func(s string) (int64, error) {
		s = strings.ToUpper(s)
		factor := int64(1)
		for _, u := range sizeUnits {
			if strings.HasSuffix(s, u.suffix) {
				factor = u.factor
				s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
				break
			}
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, err
		}
		if n < 0 {
			return 0, strconv.ErrRange
		}
		return n * factor, nil
	})
}
