package utils

import (
	"fmt"
	"strconv"
)

// GenerateRateLimitKey creates a unique key for rate limiting
func GenerateRateLimitKey(ip, path string) string {
	return fmt.Sprintf("rl:%s:%s", ip, path)
}

// Pointer returns a pointer to the given value
func Pointer[T any](v T) *T {
	return &v
}

// ParseUint parses a decimal route parameter into a uint.
func ParseUint(s string) (uint, error) {
	i, err := strconv.ParseUint(s, 10, 32)
	if err != nil || i == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(i), nil
}
