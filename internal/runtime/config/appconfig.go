package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drblury/robohub/internal/runtime/jsoncodec"
)

// AppConfig is the flat key/value configuration an app receives from the
// agent. Every key may carry a declared default; Get never reports a key as
// absent when a default was declared for it.
type AppConfig struct {
	mu       sync.RWMutex
	defaults map[string]any
	values   map[string]any
}

// NewAppConfig returns an empty configuration with the given defaults.
func NewAppConfig(defaults map[string]any) *AppConfig {
	c := &AppConfig{
		defaults: make(map[string]any, len(defaults)),
		values:   make(map[string]any),
	}
	for k, v := range defaults {
		c.defaults[k] = v
	}
	return c
}

// AddDefaults merges defaults into the declared defaults. Later calls win.
func (c *AppConfig) AddDefaults(defaults map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range defaults {
		c.defaults[k] = v
	}
}

// SetData replaces every raw value. Declared defaults are kept.
func (c *AppConfig) SetData(values map[string]any) {
	next := make(map[string]any, len(values))
	for k, v := range values {
		next[k] = v
	}
	c.mu.Lock()
	c.values = next
	c.mu.Unlock()
}

// Set stores a single raw value.
func (c *AppConfig) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Lookup returns the raw value, then the declared default. ok is false only
// when neither exists.
func (c *AppConfig) Lookup(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[key]; ok {
		return v, true
	}
	v, ok := c.defaults[key]
	return v, ok
}

// Get returns the raw value, then the declared default, else nil.
func (c *AppConfig) Get(key string) any {
	v, _ := c.Lookup(key)
	return v
}

// String returns the value for key as a string, or fallback.
func (c *AppConfig) String(key, fallback string) string {
	v, ok := c.Lookup(key)
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the value for key as an int, or fallback when it is missing or
// not numeric.
func (c *AppConfig) Int(key string, fallback int) int {
	f, ok := c.number(key)
	// -math.MinInt is the first float64 past math.MaxInt.
	if !ok || f != math.Trunc(f) || f < math.MinInt || f >= -math.MinInt {
		return fallback
	}
	return int(f)
}

// Float returns the value for key as a float64, or fallback.
func (c *AppConfig) Float(key string, fallback float64) float64 {
	f, ok := c.number(key)
	if !ok {
		return fallback
	}
	return f
}

// Bool returns the value for key as a bool, or fallback.
func (c *AppConfig) Bool(key string, fallback bool) bool {
	v, ok := c.Lookup(key)
	if !ok {
		return fallback
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

// Duration returns the value for key as a duration. Strings are parsed with
// time.ParseDuration; numbers are read as seconds.
func (c *AppConfig) Duration(key string, fallback time.Duration) time.Duration {
	v, ok := c.Lookup(key)
	if !ok {
		return fallback
	}
	switch val := v.(type) {
	case time.Duration:
		return val
	case string:
		d, err := time.ParseDuration(val)
		if err != nil {
			return fallback
		}
		return d
	}
	if f, ok := toFloat(v); ok {
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}

func (c *AppConfig) number(key string) (float64, bool) {
	v, ok := c.Lookup(key)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Values returns the defaults overlaid with the raw values.
func (c *AppConfig) Values() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.defaults)+len(c.values))
	for k, v := range c.defaults {
		out[k] = v
	}
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy with the same defaults and values.
func (c *AppConfig) Clone() *AppConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := NewAppConfig(c.defaults)
	for k, v := range c.values {
		clone.values[k] = v
	}
	return clone
}

// ChangedKeys lists, sorted, every key whose effective value differs
// between old and c. A nil old counts as empty.
func (c *AppConfig) ChangedKeys(old *AppConfig) []string {
	current := c.Values()
	var previous map[string]any
	if old != nil {
		previous = old.Values()
	}

	var changed []string
	for k, v := range current {
		if pv, ok := previous[k]; !ok || !reflect.DeepEqual(pv, v) {
			changed = append(changed, k)
		}
	}
	for k := range previous {
		if _, ok := current[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// LoadAppConfig reads path into a new AppConfig with the given defaults.
// Files ending in .yaml or .yml are parsed as YAML, anything else as JSON.
// A missing file yields the defaults only.
func LoadAppConfig(path string, defaults map[string]any) (*AppConfig, error) {
	cfg := NewAppConfig(defaults)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read app config: %w", err)
	}
	values, err := ParseAppConfig(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse app config %s: %w", path, err)
	}
	cfg.SetData(values)
	return cfg, nil
}

// ParseAppConfig decodes a flat configuration document. ext selects the
// format (".yaml"/".yml" or JSON for anything else).
func ParseAppConfig(data []byte, ext string) (map[string]any, error) {
	values := map[string]any{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return values, nil
	}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, err
		}
	default:
		if err := jsoncodec.Unmarshal(data, &values); err != nil {
			return nil, err
		}
	}
	return values, nil
}
