package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gpio-relay/internal/liveness"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration

	LogLevel  string
	LogFormat string

	HeartbeatInterval       time.Duration
	LatencyThreshold        time.Duration
	DeviceTimeoutMultiplier int
	SweepInterval           time.Duration
	DefaultOwnerID          string
	DebugRateLimitPerMinute int

	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTTopicPrefix string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:                    3000,
		GinMode:                 "release",
		TokenExpiry:             7 * 24 * time.Hour,
		LogLevel:                "info",
		LogFormat:               "text",
		HeartbeatInterval:       30 * time.Second,
		LatencyThreshold:        time.Second,
		DeviceTimeoutMultiplier: 3,
		SweepInterval:           30 * time.Second,
		DefaultOwnerID:          "unowned",
		DebugRateLimitPerMinute: 60,
		MQTTClientID:            "gpio-relay",
		MQTTTopicPrefix:         "gpio-relay",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, errors.Errorf("invalid PORT %q", raw)
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, errors.Errorf("invalid TOKEN_EXPIRY_SECONDS %q", raw)
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("LOG_FORMAT"); raw != "" {
		if raw != "text" && raw != "json" {
			return Config{}, errors.Errorf("invalid LOG_FORMAT %q", raw)
		}
		cfg.LogFormat = raw
	}

	var err error
	if cfg.HeartbeatInterval, err = millis(env, "HEARTBEAT_INTERVAL_MS", cfg.HeartbeatInterval, true); err != nil {
		return Config{}, err
	}
	if cfg.LatencyThreshold, err = millis(env, "HEARTBEAT_LATENCY_THRESHOLD_MS", cfg.LatencyThreshold, false); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = millis(env, "SWEEP_INTERVAL_MS", cfg.SweepInterval, true); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval == 0 && cfg.SweepInterval == 0 {
		return Config{}, errors.New("HEARTBEAT_INTERVAL_MS and SWEEP_INTERVAL_MS cannot both be 0")
	}

	if raw := env.Getenv("DEVICE_TIMEOUT_MULTIPLIER"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, errors.Errorf("invalid DEVICE_TIMEOUT_MULTIPLIER %q", raw)
		}
		cfg.DeviceTimeoutMultiplier = n
	}

	if raw := env.Getenv("DEFAULT_OWNER_ID"); raw != "" {
		cfg.DefaultOwnerID = raw
	}

	if raw := env.Getenv("DEBUG_RATE_LIMIT_PER_MINUTE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, errors.Errorf("invalid DEBUG_RATE_LIMIT_PER_MINUTE %q", raw)
		}
		cfg.DebugRateLimitPerMinute = n
	}

	cfg.MQTTBrokerURL = env.Getenv("MQTT_BROKER_URL")
	if raw := env.Getenv("MQTT_CLIENT_ID"); raw != "" {
		cfg.MQTTClientID = raw
	}
	if raw := env.Getenv("MQTT_TOPIC_PREFIX"); raw != "" {
		cfg.MQTTTopicPrefix = raw
	}

	return cfg, nil
}

// millis reads a millisecond duration. Zero is accepted only when allowZero
// is set; it means "disabled".
func millis(env Env, key string, def time.Duration, allowZero bool) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 || (ms == 0 && !allowZero) {
		return 0, errors.Errorf("invalid %s %q", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// DeviceTimeout is how long a device may stay silent before the sweep evicts
// it: the heartbeat interval times the multiplier, or the sweep interval times
// the multiplier when active probing is off.
func (c Config) DeviceTimeout() time.Duration {
	base := c.HeartbeatInterval
	if base == 0 {
		base = c.SweepInterval
	}
	return base * time.Duration(c.DeviceTimeoutMultiplier)
}

func (c Config) Liveness() liveness.Config {
	probe := liveness.DefaultProbeConfig()
	probe.Interval = c.HeartbeatInterval
	probe.LatencyThreshold = c.LatencyThreshold
	return liveness.Config{
		Probe:         probe,
		SweepInterval: c.SweepInterval,
		DeviceTimeout: c.DeviceTimeout(),
	}
}
