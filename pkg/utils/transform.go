package utils

import (
	"strings"
)

// NormalizeURL trims whitespace and trailing slashes so the same endpoint is not registered twice.
func NormalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

// NormalizeAddress lowercases a hex account address. Nonce keys and lock keys are built from it.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
