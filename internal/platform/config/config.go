package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration. FromEnv keeps main lean.
type Server struct {
	Addr string

	// StrictSchema rejects observations whose schema version the policy
	// provider cannot resolve instead of storing them with unknown-field
	// bookkeeping.
	StrictSchema bool

	// RedirectHopLimit bounds transitive merge-redirect follows. Exceeding it
	// means a cycle, which is an invariant violation, never expected.
	RedirectHopLimit int

	// PolicyFile points at the merge-policy registry export. Empty means no
	// known schemas.
	PolicyFile string

	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
}

// PostgresConfig holds the connection settings for the durable stores.
// Empty DSN means run on the in-memory stores (development, tests).
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds snapshot-cache connection settings. Empty URL disables
// the redis cache layer; snapshots are then recomputed per read.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SnapshotTTL  time.Duration
}

// KafkaConfig holds audit-outbox publishing settings. Empty broker list
// disables the outbox worker; audit facts stay queryable in the store.
type KafkaConfig struct {
	Brokers      []string
	AuditTopic   string
	PollInterval time.Duration
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	return Server{
		Addr:             envString("VERITY_ADDR", ":8080"),
		StrictSchema:     envBool("VERITY_STRICT_SCHEMA", false),
		RedirectHopLimit: envInt("VERITY_REDIRECT_HOP_LIMIT", 32),
		PolicyFile:       os.Getenv("VERITY_POLICY_FILE"),
		Postgres: PostgresConfig{
			DSN:          os.Getenv("VERITY_POSTGRES_DSN"),
			MaxOpenConns: envInt("VERITY_POSTGRES_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("VERITY_POSTGRES_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("VERITY_REDIS_URL"),
			PoolSize:     envInt("VERITY_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("VERITY_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("VERITY_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("VERITY_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("VERITY_REDIS_WRITE_TIMEOUT", 3*time.Second),
			SnapshotTTL:  envDuration("VERITY_SNAPSHOT_CACHE_TTL", time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers:      envList("VERITY_KAFKA_BROKERS"),
			AuditTopic:   envString("VERITY_KAFKA_AUDIT_TOPIC", "verity.audit"),
			PollInterval: envDuration("VERITY_OUTBOX_POLL_INTERVAL", 2*time.Second),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
