package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basakil/writeshed/utils"
)

// Fixed domain constants (spec §6): not configurable because they define
// the wire contract between ingress and consumer, not a deployment knob.
const (
	StreamName         = "writes"
	StreamMaxLen       = 100000
	ConsumerGroup      = "mongo-writers"
	GroupStartID       = "0"
	WritesPerRequest   = 5
	ReadsPerRequest    = 5
	ClaimIdleThreshold = 30 * time.Second
	PayloadSize        = 512
	CacheKeyWrite      = "doc:write"
	CachePrefix        = "doc:"
)

// Settings is the typed env-driven configuration both binaries load at
// startup (spec §6's "Configuration (env)" table).
type Settings struct {
	MongoURI string

	RedisHost string
	RedisPort int

	AppPort int

	CacheTTL time.Duration

	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration

	ConsumerName string
}

// LoadSettings builds Settings from a loaded Config, applying the
// defaults spec §6/§8 name where an env var is absent.
func LoadSettings(cfg *Config) (Settings, error) {
	redisPortRaw := cfg.GetStringWithDefault("redis.port", "6379")
	redisPort, err := ParseRedisPort(redisPortRaw)
	if err != nil {
		return Settings{}, err
	}

	hostname := cfg.GetString("hostname")
	if hostname == "" {
		hostname = cfg.GetString("consumer.name")
	}
	if hostname == "" {
		if resolved := utils.GetHostname(); resolved != "unknown" {
			hostname = resolved
		} else {
			// No orchestrator-assigned identity and no resolvable host
			// identity available: mint one so two replicas started
			// without HOSTNAME never collide as the same consumer name
			// (spec §3: consumer identity must be stable but distinct
			// across PEL owners).
			hostname = fmt.Sprintf("consumer-%s", uuid.NewString())
		}
	}

	return Settings{
		MongoURI:      cfg.GetStringWithDefault("mongo.uri", "mongodb://localhost:27017"),
		RedisHost:     cfg.GetStringWithDefault("redis.host", "localhost"),
		RedisPort:     redisPort,
		AppPort:       cfg.GetIntWithDefault("app.port", 8080),
		CacheTTL:      time.Duration(cfg.GetIntWithDefault("cache.ttl", 60)) * time.Second,
		BatchSize:     cfg.GetIntWithDefault("batch.size", 500),
		FlushInterval: time.Duration(cfg.GetIntWithDefault("flush.interval", 2)) * time.Second,
		MaxRetries:    cfg.GetIntWithDefault("max.retries", 5),
		RetryDelay:    time.Duration(cfg.GetIntWithDefault("retry.delay", 2)) * time.Second,
		ConsumerName:  hostname,
	}, nil
}
