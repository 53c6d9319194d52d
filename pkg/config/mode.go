package config

import "strings"

// Notification delivery modes
const (
	ModeMemory = "memory"
	ModeRedis  = "redis"
)

// NormalizeMode trims spaces and lowercases the provided mode string
func NormalizeMode(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// UsesRedis reports whether snapshots are also published to Redis.
func (c *NotifyConfig) UsesRedis() bool {
	return NormalizeMode(c.Mode) == ModeRedis
}
