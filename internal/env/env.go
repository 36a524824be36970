// Package env consolidates environment variable reading. Values only seed
// flag defaults; explicit flags always win.
package env

import (
	"os"
	"strconv"
	"strings"
)

const (
	LOGLevel = "EVBUNPACK_LOG_LEVEL"
	Workers  = "EVBUNPACK_WORKERS"
	Output   = "EVBUNPACK_OUTPUT"
)

func String(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

// Int returns fallback when the variable is unset or not a positive integer.
func Int(name string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func LogLevel() string {
	return String(LOGLevel, "INFO")
}

func WorkerCount(fallback int) int {
	return Int(Workers, fallback)
}

func OutputDir() string {
	return String(Output, "unpacked")
}
