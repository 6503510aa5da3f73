// Package config loads runtime configuration for a synapse-relay node:
// environment variables (optionally via .env files) layered with a
// JSON configuration file, matching the teacher's env-first,
// file-second precedence.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the node's runtime configuration.
type Config struct {
	Port     int      `json:"port"`
	NodeID   string   `json:"node_id"`
	Peers    []string `json:"peers"`
	PeerPorts map[string]int `json:"peer_ports"`

	SignalsIncoming []string `json:"signals_incoming"`
	SignalsOutgoing []string `json:"signals_outgoing"`

	DatabaseType string `json:"database_type"`
	DatabaseURL  string `json:"database_url"`
	DatabaseMaxConns int `json:"database_max_conns"`

	BufferMaxSize       int           `json:"buffer_max_size"`
	BufferTTLHours      int           `json:"buffer_ttl_hours"`
	BufferMaxRetries    int           `json:"buffer_max_retries"`
	BufferRetryIntervals []time.Duration `json:"buffer_retry_intervals_ms"`
	BufferTickInterval  time.Duration `json:"buffer_tick_interval"`

	StatsAggregationInterval time.Duration `json:"stats_aggregation_interval_ms"`

	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	APIHost string `json:"api_host"`
	APIPort int    `json:"api_port"`

	EnablePrometheus bool `json:"enable_prometheus"`
	PrometheusPort   int  `json:"prometheus_port"`

	FreshnessWindow     time.Duration `json:"freshness_window"`
	FutureToleranceWindow time.Duration `json:"future_tolerance_window"`
}

// Load reads configuration from the environment (optionally via .env
// files) and then overlays a JSON config file if SYNAPSE_CONFIG_FILE
// (or a "synapse-relay.json" in the working directory) is present.
func Load() Config {
	loadEnvironmentConfig()

	cfg := Config{
		Port:      getEnvInt("PORT", 3025),
		NodeID:    getEnv("NODE_ID", "synapse-relay"),
		Peers:     getEnvSlice("PEERS", []string{}),
		PeerPorts: getEnvIntMap("PEER_PORTS", map[string]int{}),

		SignalsIncoming: getEnvSlice("SIGNALS_INCOMING", []string{}),
		SignalsOutgoing: getEnvSlice("SIGNALS_OUTGOING", []string{}),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabaseURL:      getEnv("DATABASE_URL", "synapse-relay.db"),
		DatabaseMaxConns: getEnvInt("DATABASE_MAX_CONNS", 10),

		BufferMaxSize:    getEnvInt("BUFFER_MAX_SIZE", 10000),
		BufferTTLHours:   getEnvInt("BUFFER_TTL_HOURS", 24),
		BufferMaxRetries: getEnvInt("BUFFER_MAX_RETRIES", 3),
		BufferRetryIntervals: getEnvDurationsMs("BUFFER_RETRY_INTERVALS_MS",
			[]time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}),
		BufferTickInterval: time.Duration(getEnvInt("BUFFER_TICK_INTERVAL_SEC", 5)) * time.Second,

		StatsAggregationInterval: time.Duration(getEnvInt("STATS_AGGREGATION_INTERVAL_MIN", 60)) * time.Minute,

		HeartbeatInterval: time.Duration(getEnvInt("HEARTBEAT_INTERVAL_SEC", 30)) * time.Second,

		APIHost: getEnv("API_HOST", "127.0.0.1"),
		APIPort: getEnvInt("API_PORT", 8081),

		EnablePrometheus: getEnvBool("ENABLE_PROMETHEUS", true),
		PrometheusPort:   getEnvInt("PROMETHEUS_PORT", 9090),

		FreshnessWindow:       time.Duration(getEnvInt("FRESHNESS_WINDOW_MS", 300_000)) * time.Millisecond,
		FutureToleranceWindow: time.Duration(getEnvInt("FUTURE_TOLERANCE_WINDOW_MS", 60_000)) * time.Millisecond,
	}

	if path := getEnv("SYNAPSE_CONFIG_FILE", "synapse-relay.json"); path != "" {
		overlayFromFile(&cfg, path)
	}

	return cfg
}

// overlayFromFile merges a JSON configuration file on top of defaults.
// Absent file means defaults stand, per the external-interfaces contract.
func overlayFromFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var file struct {
		Port      int            `json:"port"`
		Peers     []string       `json:"peers"`
		PeerPorts map[string]int `json:"peer_ports"`
		Signals   struct {
			Incoming []string `json:"incoming"`
			Outgoing []string `json:"outgoing"`
		} `json:"signals"`
		BufferConfig struct {
			MaxSize         int   `json:"max_size"`
			TTLHours        int   `json:"ttl_hours"`
			RetryIntervalMs []int `json:"retry_intervals_ms"`
		} `json:"buffer_config"`
		StatsAggregationIntervalMs int `json:"stats_aggregation_interval_ms"`
	}

	if err := json.Unmarshal(data, &file); err != nil {
		log.Printf("config: failed to parse %s: %v", path, err)
		return
	}

	if file.Port != 0 {
		cfg.Port = file.Port
	}
	if len(file.Peers) > 0 {
		cfg.Peers = file.Peers
	}
	if len(file.PeerPorts) > 0 {
		cfg.PeerPorts = file.PeerPorts
	}
	if len(file.Signals.Incoming) > 0 {
		cfg.SignalsIncoming = file.Signals.Incoming
	}
	if len(file.Signals.Outgoing) > 0 {
		cfg.SignalsOutgoing = file.Signals.Outgoing
	}
	if file.BufferConfig.MaxSize != 0 {
		cfg.BufferMaxSize = file.BufferConfig.MaxSize
	}
	if file.BufferConfig.TTLHours != 0 {
		cfg.BufferTTLHours = file.BufferConfig.TTLHours
	}
	if len(file.BufferConfig.RetryIntervalMs) > 0 {
		intervals := make([]time.Duration, len(file.BufferConfig.RetryIntervalMs))
		for i, ms := range file.BufferConfig.RetryIntervalMs {
			intervals[i] = time.Duration(ms) * time.Millisecond
		}
		cfg.BufferRetryIntervals = intervals
	}
	if file.StatsAggregationIntervalMs != 0 {
		cfg.StatsAggregationInterval = time.Duration(file.StatsAggregationIntervalMs) * time.Millisecond
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || v == "true"
	}
	return def
}

func getEnvSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	tv := strings.TrimSpace(v)
	if strings.HasPrefix(tv, "[") && strings.HasSuffix(tv, "]") {
		var arr []string
		if err := json.Unmarshal([]byte(tv), &arr); err == nil {
			return arr
		}
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			result = append(result, p)
		}
	}
	return result
}

func getEnvIntMap(key string, def map[string]int) map[string]int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	out := map[string]int{}
	if err := json.Unmarshal([]byte(v), &out); err == nil {
		return out
	}
	// fallback: name=port,name=port
	for _, pair := range strings.Split(v, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		if port, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil {
			out[strings.TrimSpace(kv[0])] = port
		}
	}
	return out
}

func getEnvDurationsMs(key string, def []time.Duration) []time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		if ms, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, time.Duration(ms)*time.Millisecond)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// loadEnvironmentConfig loads .env files the way the teacher does:
// a base .env, then a tier-style override file if NODE_ENV is set.
func loadEnvironmentConfig() {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded .env file")
	}

	if env := getEnv("NODE_ENV", ""); env != "" {
		envFile := fmt.Sprintf(".env.%s", env)
		if err := godotenv.Overload(envFile); err == nil {
			log.Printf("config: loaded environment override file: %s", envFile)
		}
	}
}

// ParseHexSignalCodes converts a list of hex-string signal codes
// ("0x04", "0xF1") into their numeric form, skipping anything that
// doesn't parse. Used to build whitelist sets at startup.
func ParseHexSignalCodes(codes []string) []uint16 {
	out := make([]uint16, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimPrefix(strings.TrimSpace(c), "0x")
		c = strings.TrimPrefix(c, "0X")
		if v, err := strconv.ParseUint(c, 16, 16); err == nil {
			out = append(out, uint16(v))
		}
	}
	return out
}
