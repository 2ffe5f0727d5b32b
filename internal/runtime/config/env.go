package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables the agent sets when it launches an app.
const (
	EnvAppID          = "APP_ID"
	EnvAppDevices     = "APP_DEVICES"
	EnvDiscoverAll    = "APP_DISCOVER_ALL"
	EnvNoDevices      = "APP_RUN_WITHOUT_DEVICES"
	EnvAppConfigFile  = "APP_CONFIG_FILE"
	EnvConfigWatch    = "APP_CONFIG_WATCH"
	EnvAppStorageDir  = "APP_STORAGE_DIR"
	EnvAgentTransport = "AGENT_TRANSPORT"
	EnvBrokerURL      = "BROKER_URL"
	EnvBrokerSocket   = "BROKER_SOCKET"
	EnvNATSURL        = "NATS_URL"
	EnvKafkaBrokers   = "KAFKA_BROKERS"
	EnvRabbitMQURL    = "RABBITMQ_URL"
	EnvStuckTimeout   = "APP_STUCK_TIMEOUT"
	EnvMetricsPort    = "METRICS_PORT"
)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// FromEnv builds a Config from the process environment.
func FromEnv() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from the given lookup. Unset variables leave
// the corresponding field at its zero value.
func FromLookup(lookup LookupFunc) (Config, error) {
	var cfg Config
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg.AppID = get(EnvAppID)
	cfg.DeviceIDs = splitList(get(EnvAppDevices))
	cfg.ConfigPath = get(EnvAppConfigFile)
	cfg.StorageDir = get(EnvAppStorageDir)
	cfg.AgentTransport = get(EnvAgentTransport)
	cfg.NATSURL = get(EnvNATSURL)
	cfg.KafkaBrokers = splitList(get(EnvKafkaBrokers))
	cfg.RabbitMQURL = get(EnvRabbitMQURL)

	cfg.MQTTBrokerURL = get(EnvBrokerURL)
	if cfg.MQTTBrokerURL == "" {
		if socket := get(EnvBrokerSocket); socket != "" {
			cfg.MQTTBrokerURL = "unix://" + socket
		}
	}

	var err error
	if cfg.DiscoverAll, err = parseBool(EnvDiscoverAll, get(EnvDiscoverAll)); err != nil {
		return Config{}, err
	}
	if cfg.RunWithoutDevices, err = parseBool(EnvNoDevices, get(EnvNoDevices)); err != nil {
		return Config{}, err
	}
	if cfg.WatchConfig, err = parseBool(EnvConfigWatch, get(EnvConfigWatch)); err != nil {
		return Config{}, err
	}
	if raw := get(EnvStuckTimeout); raw != "" {
		if cfg.StuckTimeout, err = time.ParseDuration(raw); err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvStuckTimeout, err)
		}
	}
	if raw := get(EnvMetricsPort); raw != "" {
		if cfg.MetricsPort, err = strconv.Atoi(raw); err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvMetricsPort, err)
		}
		cfg.MetricsEnabled = true
	}
	return cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(key, raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
