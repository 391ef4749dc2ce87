package redisstream

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config for the Redis Streams gateway with production-grade settings.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Keys
	Prefix string

	// Consumer group
	Group     string
	Consumer  string
	BatchSize int
	Block     time.Duration

	// Stream management
	MaxLenApprox int64

	// Pending entry recovery (automatic crash recovery)
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration

	// Codec names the xdispatch codec used for payload and metadata.
	Codec string

	// Logger is optional; nil disables gateway logging.
	Logger *zerolog.Logger
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xdispatch"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Prefix:        "xdispatch:",
		Group:         "xdispatch",
		Consumer:      fmt.Sprintf("xdispatch-%s-%d", hostname, os.Getpid()),
		BatchSize:     128,
		Block:         5 * time.Second,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
		Codec:         "json",
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// toMap converts Config to generic map for the gateway factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"prefix":          c.Prefix,
		"group":           c.Group,
		"consumer":        c.Consumer,
		"batch_size":      c.BatchSize,
		"block":           c.Block,
		"max_len_approx":  c.MaxLenApprox,
		"claim_min_idle":  c.ClaimMinIdle,
		"claim_batch":     c.ClaimBatch,
		"claim_interval":  c.ClaimInterval,
		"codec":           c.Codec,
		"logger":          c.Logger,
	}
}

// ConfigFromMap safely converts generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["prefix"].(string); ok && v != "" {
		c.Prefix = v
	}
	if v, ok := m["group"].(string); ok && v != "" {
		c.Group = v
	}
	if v, ok := m["consumer"].(string); ok && v != "" {
		c.Consumer = v
	}
	if v, ok := m["batch_size"].(int); ok && v > 0 {
		c.BatchSize = v
	}
	if v, ok := durationValue(m["block"]); ok && v > 0 {
		c.Block = v
	}
	if v, ok := m["max_len_approx"].(int64); ok && v > 0 {
		c.MaxLenApprox = v
	}
	if v, ok := durationValue(m["claim_min_idle"]); ok {
		c.ClaimMinIdle = v
	}
	if v, ok := m["claim_batch"].(int); ok && v > 0 {
		c.ClaimBatch = v
	}
	if v, ok := durationValue(m["claim_interval"]); ok && v > 0 {
		c.ClaimInterval = v
	}
	if v, ok := m["codec"].(string); ok && v != "" {
		c.Codec = v
	}
	if v, ok := m["logger"].(*zerolog.Logger); ok {
		c.Logger = v
	}

	return c
}

func durationValue(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	}
	return 0, false
}
