package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.flowcatalyst.tech/internal/common/secrets"
)

// Config holds all configuration for FlowCatalyst
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// MongoDB configuration
	MongoDB MongoDBConfig

	// Queue configuration (embedded, NATS, SQS or ActiveMQ)
	Queue QueueConfig

	// Leader election configuration
	Leader LeaderConfig

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool

	// Scheduler configuration (dispatch pipeline)
	Scheduler SchedulerConfig

	// Pools configures per-pool concurrency/rate-limit/capacity, keyed by pool code
	Pools []PoolConfig

	// Secrets selects the secret backend for signing keys
	Secrets secrets.Config
}

// SchedulerConfig holds Dispatch Scheduler tuning
type SchedulerConfig struct {
	PollInterval                time.Duration
	BatchSize                   int
	MaxConcurrentGroups         int
	StaleQueuedThreshold        time.Duration
	StaleQueuedPollInterval     time.Duration
	DefaultDispatchPoolCode     string
	ProcessingEndpoint          string
}

// PoolConfig holds per-pool concurrency/rate-limit/capacity settings
type PoolConfig struct {
	Code               string
	Concurrency        int
	RateLimitPerMinute int
	QueueCapacity      int
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// QueueConfig holds queue configuration
type QueueConfig struct {
	Type string // "embedded", "nats", "sqs", "activemq"

	NATS     NATSConfig
	SQS      SQSConfig
	Embedded EmbeddedQueueConfig
	ActiveMQ ActiveMQConfig
}

// EmbeddedQueueConfig holds the embedded SQLite durable queue configuration
type EmbeddedQueueConfig struct {
	DBPath string
}

// ActiveMQConfig holds ActiveMQ STOMP connection configuration
type ActiveMQConfig struct {
	Addr      string
	Login     string
	Passcode  string
	QueueName string
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	DataDir string
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// LeaderConfig holds leader election configuration
type LeaderConfig struct {
	// Enabled controls whether leader election is active
	Enabled bool

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database: getEnv("MONGODB_DATABASE", "flowcatalyst"),
		},

		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "embedded"),
			NATS: NATSConfig{
				URL:     getEnv("NATS_URL", "nats://localhost:4222"),
				DataDir: getEnv("NATS_DATA_DIR", "./data/nats"),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
			Embedded: EmbeddedQueueConfig{
				DBPath: getEnv("EMBEDDED_DB_PATH", "./dispatch-queue.db"),
			},
			ActiveMQ: ActiveMQConfig{
				Addr:      getEnv("ACTIVEMQ_ADDR", "localhost:61613"),
				Login:     getEnv("ACTIVEMQ_LOGIN", ""),
				Passcode:  getEnv("ACTIVEMQ_PASSCODE", ""),
				QueueName: getEnv("ACTIVEMQ_QUEUE_NAME", "/queue/dispatch"),
			},
		},

		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ELECTION_ENABLED", false),
			InstanceID:      getEnv("HOSTNAME", ""),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("FLOWCATALYST_DEV", false),

		Secrets: secrets.Config{
			Provider:      secrets.ProviderType(getEnv("SECRETS_PROVIDER", string(secrets.ProviderTypeEnv))),
			EncryptionKey: getEnv("SECRETS_ENCRYPTION_KEY", ""),
			DataDir:       getEnv("SECRETS_DATA_DIR", "./data/secrets"),
			AWSRegion:     getEnv("SECRETS_AWS_REGION", ""),
			AWSPrefix:     getEnv("SECRETS_AWS_PREFIX", "/flowcatalyst/"),
			AWSEndpoint:   getEnv("SECRETS_AWS_ENDPOINT", ""),
			VaultAddr:     getEnv("SECRETS_VAULT_ADDR", ""),
			VaultPath:     getEnv("SECRETS_VAULT_PATH", "secret/data/flowcatalyst"),
			VaultNamespace: getEnv("SECRETS_VAULT_NAMESPACE", ""),
			GCPProject:    getEnv("SECRETS_GCP_PROJECT", ""),
			GCPPrefix:     getEnv("SECRETS_GCP_PREFIX", "flowcatalyst-"),
		},

		Scheduler: SchedulerConfig{
			PollInterval:            getEnvDuration("SCHEDULER_POLL_INTERVAL", 5*time.Second),
			BatchSize:                getEnvInt("SCHEDULER_BATCH_SIZE", 20),
			MaxConcurrentGroups:      getEnvInt("SCHEDULER_MAX_CONCURRENT_GROUPS", 10),
			StaleQueuedThreshold:     getEnvDuration("SCHEDULER_STALE_QUEUED_THRESHOLD", 15*time.Minute),
			StaleQueuedPollInterval:  getEnvDuration("SCHEDULER_STALE_QUEUED_POLL_INTERVAL", 60*time.Second),
			DefaultDispatchPoolCode:  getEnv("SCHEDULER_DEFAULT_POOL_CODE", "DISPATCH-POOL"),
			ProcessingEndpoint:       getEnv("SCHEDULER_PROCESSING_ENDPOINT", ""),
		},
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
