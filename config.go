package xdispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DataDirEnv overrides the default data directory.
const DataDirEnv = "XDISPATCH_DATA_DIR"

// Config holds the dispatcher settings.
type Config struct {
	// ComponentName is the Source stamped on outgoing messages and the
	// component reported to validators and the bus.
	ComponentName string

	// Queues and batching
	QueueLimit    int
	BatchSize     int
	BatchInterval time.Duration

	// Delivery ledger
	RetryInterval time.Duration
	MaxRetryCount int
	HistoryLimit  int
	Redelivery    bool

	// DataDir receives delivery record snapshots on Stop.
	DataDir string

	// Observer pool
	ObserverWorkers int
	ObserverBuffer  int
}

// Defaults returns a Config with the standard settings.
func Defaults() Config {
	return Config{
		ComponentName:   "apollo",
		QueueLimit:      1000,
		BatchSize:       10,
		BatchInterval:   time.Second,
		RetryInterval:   5 * time.Second,
		MaxRetryCount:   3,
		HistoryLimit:    10000,
		Redelivery:      true,
		ObserverWorkers: 4,
		ObserverBuffer:  1000,
	}
}

// DefaultDataDir returns $XDISPATCH_DATA_DIR, or
// ~/.xdispatch/data/<component>/message_data.
func DefaultDataDir(component string) string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".xdispatch", "data", component, "message_data")
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ComponentName == "" {
		return fmt.Errorf("config: component_name required")
	}
	if c.QueueLimit < 1 {
		return fmt.Errorf("config: queue_limit must be >= 1, got %d", c.QueueLimit)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("config: batch_interval must be > 0, got %v", c.BatchInterval)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("config: retry_interval must be > 0, got %v", c.RetryInterval)
	}
	if c.MaxRetryCount < 1 {
		return fmt.Errorf("config: max_retry_count must be >= 1, got %d", c.MaxRetryCount)
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("config: history_limit must be >= 1, got %d", c.HistoryLimit)
	}
	return nil
}

// ConfigFromMap converts a generic map to Config, starting from Defaults.
// Numbers may be given as any integer or float type or as strings; durations
// as time.Duration, duration strings ("1s") or seconds.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["component_name"].(string); ok && v != "" {
		c.ComponentName = v
	}
	if v, ok := intFrom(m["queue_limit"]); ok && v > 0 {
		c.QueueLimit = v
	}
	if v, ok := intFrom(m["batch_size"]); ok && v > 0 {
		c.BatchSize = v
	}
	if v, ok := durationFrom(m["batch_interval"]); ok && v > 0 {
		c.BatchInterval = v
	}
	if v, ok := durationFrom(m["retry_interval"]); ok && v > 0 {
		c.RetryInterval = v
	}
	if v, ok := intFrom(m["max_retry_count"]); ok && v > 0 {
		c.MaxRetryCount = v
	}
	if v, ok := intFrom(m["history_limit"]); ok && v > 0 {
		c.HistoryLimit = v
	}
	if v, ok := boolFrom(m["redelivery"]); ok {
		c.Redelivery = v
	}
	if v, ok := m["data_dir"].(string); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := intFrom(m["observer_workers"]); ok && v > 0 {
		c.ObserverWorkers = v
	}
	if v, ok := intFrom(m["observer_buffer"]); ok && v > 0 {
		c.ObserverBuffer = v
	}
	return c
}

// ToMap is the inverse of ConfigFromMap.
func (c Config) ToMap() map[string]any {
	return map[string]any{
		"component_name":   c.ComponentName,
		"queue_limit":      c.QueueLimit,
		"batch_size":       c.BatchSize,
		"batch_interval":   c.BatchInterval,
		"retry_interval":   c.RetryInterval,
		"max_retry_count":  c.MaxRetryCount,
		"history_limit":    c.HistoryLimit,
		"redelivery":       c.Redelivery,
		"data_dir":         c.DataDir,
		"observer_workers": c.ObserverWorkers,
		"observer_buffer":  c.ObserverBuffer,
	}
}

func intFrom(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case uint:
		return int(x), true
	case uint32:
		return int(x), true
	case uint64:
		return int(x), true
	case float32:
		return int(x), true
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(x)
		return n, err == nil
	}
	return 0, false
}

func durationFrom(v any) (time.Duration, bool) {
	switch x := v.(type) {
	case time.Duration:
		return x, true
	case string:
		if d, err := time.ParseDuration(x); err == nil {
			return d, true
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return time.Duration(f * float64(time.Second)), true
		}
		return 0, false
	case float64:
		return time.Duration(x * float64(time.Second)), true
	case float32:
		return time.Duration(float64(x) * float64(time.Second)), true
	}
	if n, ok := intFrom(v); ok {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

func boolFrom(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(x)
		return b, err == nil
	}
	return false, false
}
