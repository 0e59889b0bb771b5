package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the engine process (spec §6
// "Environment variables recognized by the engine").
type Config struct {
	Port     int
	APIKey   string
	LogLevel string
	DataDir  string // local root for the snapstore and sandbox working dirs

	// Runtime selects which backend(s) the engine registers.
	// "container", "microvm", or "hybrid" (both, chosen per-request by
	// req.Backend, falling back to container).
	Runtime string

	WarmPoolSize      int
	ColdStartTargetMS int
	// WarmPoolStatePath, if set, persists pool occupancy to a local sqlite
	// file so restarts can log prior pool layout (see internal/warmpool).
	WarmPoolStatePath string
	// NATSURL, if set, publishes pool occupancy events for an external
	// control plane to consume (see internal/metrics/events.go). Optional.
	NATSURL string

	// Container backend (podman)
	PodmanBin string

	// MicroVM backend (firecracker)
	FirecrackerBin string
	KernelPath     string
	RootfsDir      string

	// Snapshot store durability tier
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool

	// SnapstorePGDSN, if set, mirrors the snapshot index into Postgres for
	// SQL-queryable refcount/parent-chain inspection (see
	// internal/snapstore/pgindex.go). Optional.
	SnapstorePGDSN string

	// Output cache
	OutputCacheTTL time.Duration
	// OutputCacheRedisAddr, if set, backs the output cache with a shared
	// redis tier so multiple engine processes reuse each other's cached
	// results (see internal/outputcache/redis.go). Optional.
	OutputCacheRedisAddr     string
	OutputCacheRedisPassword string
	OutputCacheRedisDB       int

	// AWS Secrets Manager — if set, secrets are fetched at startup using IAM
	// credentials. The secret should be a JSON object with keys matching env
	// var names (e.g. ENGINE_S3_BUCKET). Env vars take precedence.
	SecretsARN string

	// Persistent-mode session lifetime (spec §5 "Long-running sessions").
	// SessionMaxLifetime bounds how long a session may be kept alive via
	// heartbeats and extensions before it is force-terminated regardless
	// of activity. SessionHeartbeatInterval is how often a live session
	// is expected to check in; after SessionMissedHeartbeatLimit
	// consecutive missed intervals the session is terminated and its
	// sandbox destroyed. SessionMaxExtensions bounds how many times a
	// session's deadline may be pushed out by an explicit extend call.
	// SessionAutoCheckpointInterval, if nonzero, periodically snapshots
	// every live session so a crash doesn't lose all session state.
	SessionMaxLifetime            time.Duration
	SessionHeartbeatInterval      time.Duration
	SessionMissedHeartbeatLimit   int
	SessionMaxExtensions          int
	SessionAutoCheckpointInterval time.Duration

	// Container readiness probe (spec §4.2): gates Prepare's handoff on the
	// container's init process actually answering ready, not just podman
	// reporting it started. ProbeKind selects which check runs; the
	// remaining fields are interpreted per-kind (see
	// internal/backend/container/probe.go).
	ProbeKind             string
	ProbeCommand          string
	ProbeFilePath         string
	ProbePort             int
	ProbeHTTPPath         string
	ProbeInterval         time.Duration
	ProbeTimeout          time.Duration
	ProbeSuccessThreshold int
}

// Load reads configuration from environment variables with sensible
// defaults. If ENGINE_SECRETS_ARN is set, secrets are fetched from AWS
// Secrets Manager first, then environment variables are applied on top (env
// vars take precedence).
func Load() (*Config, error) {
	if arn := os.Getenv("ENGINE_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		APIKey:   os.Getenv("ENGINE_API_KEY"),
		LogLevel: envOrDefault("ENGINE_LOG_LEVEL", "info"),
		DataDir:  envOrDefault("ENGINE_DATA_DIR", "/data/engine"),

		Runtime: envOrDefault("RUNTIME", "container"),

		WarmPoolSize:      envOrDefaultInt("WARM_POOL_SIZE", 4),
		ColdStartTargetMS: envOrDefaultInt("COLD_START_TARGET_MS", 300),
		WarmPoolStatePath: os.Getenv("ENGINE_WARM_POOL_STATE_PATH"),
		NATSURL:           os.Getenv("ENGINE_NATS_URL"),

		PodmanBin: envOrDefault("ENGINE_PODMAN_BIN", "podman"),

		FirecrackerBin: envOrDefault("ENGINE_FIRECRACKER_BIN", "firecracker"),
		KernelPath:     os.Getenv("ENGINE_KERNEL_PATH"),
		RootfsDir:      os.Getenv("ENGINE_ROOTFS_DIR"),

		S3Endpoint:        os.Getenv("ENGINE_S3_ENDPOINT"),
		S3Bucket:          os.Getenv("ENGINE_S3_BUCKET"),
		S3Region:          envOrDefault("ENGINE_S3_REGION", "us-east-1"),
		S3AccessKeyID:     os.Getenv("ENGINE_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("ENGINE_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("ENGINE_S3_FORCE_PATH_STYLE") == "true",
		SnapstorePGDSN:    os.Getenv("ENGINE_SNAPSTORE_PG_DSN"),

		OutputCacheTTL:           time.Duration(envOrDefaultInt("ENGINE_OUTPUT_CACHE_TTL_SEC", 300)) * time.Second,
		OutputCacheRedisAddr:     os.Getenv("ENGINE_OUTPUT_CACHE_REDIS_ADDR"),
		OutputCacheRedisPassword: os.Getenv("ENGINE_OUTPUT_CACHE_REDIS_PASSWORD"),
		OutputCacheRedisDB:       envOrDefaultInt("ENGINE_OUTPUT_CACHE_REDIS_DB", 0),

		SecretsARN: os.Getenv("ENGINE_SECRETS_ARN"),

		SessionMaxLifetime:            time.Duration(envOrDefaultInt("ENGINE_SESSION_MAX_LIFETIME_SEC", 24*3600)) * time.Second,
		SessionHeartbeatInterval:      time.Duration(envOrDefaultInt("ENGINE_SESSION_HEARTBEAT_INTERVAL_SEC", 30)) * time.Second,
		SessionMissedHeartbeatLimit:   envOrDefaultInt("ENGINE_SESSION_MISSED_HEARTBEAT_LIMIT", 3),
		SessionMaxExtensions:          envOrDefaultInt("ENGINE_SESSION_MAX_EXTENSIONS", 5),
		SessionAutoCheckpointInterval: time.Duration(envOrDefaultInt("ENGINE_SESSION_AUTO_CHECKPOINT_INTERVAL_SEC", 0)) * time.Second,

		ProbeKind:             envOrDefault("ENGINE_PROBE_KIND", "command"),
		ProbeCommand:          envOrDefault("ENGINE_PROBE_COMMAND", "true"),
		ProbeFilePath:         os.Getenv("ENGINE_PROBE_FILE_PATH"),
		ProbePort:             envOrDefaultInt("ENGINE_PROBE_PORT", 0),
		ProbeHTTPPath:         envOrDefault("ENGINE_PROBE_HTTP_PATH", "/"),
		ProbeInterval:         time.Duration(envOrDefaultInt("ENGINE_PROBE_INTERVAL_MS", 200)) * time.Millisecond,
		ProbeTimeout:          time.Duration(envOrDefaultInt("ENGINE_PROBE_TIMEOUT_MS", 5000)) * time.Millisecond,
		ProbeSuccessThreshold: envOrDefaultInt("ENGINE_PROBE_SUCCESS_THRESHOLD", 1),
	}

	if portStr := os.Getenv("ENGINE_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid ENGINE_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	switch cfg.Runtime {
	case "container", "microvm", "hybrid":
	default:
		return nil, fmt.Errorf("invalid RUNTIME %q: want container, microvm, or hybrid", cfg.Runtime)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain (IAM instance
// profile on EC2, or ~/.aws/credentials locally).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
