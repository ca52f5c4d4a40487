package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"go.flowcatalyst.tech/internal/common/secrets"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP     TOMLHTTPConfig     `toml:"http"`
	MongoDB  TOMLMongoDBConfig  `toml:"mongodb"`
	Queue    TOMLQueueConfig    `toml:"queue"`
	Leader   TOMLLeaderConfig   `toml:"leader"`
	Secrets  TOMLSecretsConfig  `toml:"secrets"`
	Scheduler TOMLSchedulerConfig `toml:"scheduler"`
	Pool     []TOMLPoolConfig   `toml:"pool"`
	DataDir  string             `toml:"data_dir"`
	DevMode  bool               `toml:"dev_mode"`
}

// TOMLSchedulerConfig represents Dispatch Scheduler tuning in TOML
type TOMLSchedulerConfig struct {
	PollInterval            string `toml:"poll_interval"`
	BatchSize               int    `toml:"batch_size"`
	MaxConcurrentGroups     int    `toml:"max_concurrent_groups"`
	StaleQueuedThreshold    string `toml:"stale_queued_threshold_minutes"`
	StaleQueuedPollInterval string `toml:"stale_queued_poll_interval"`
	DefaultDispatchPoolCode string `toml:"default_dispatch_pool_code"`
	ProcessingEndpoint      string `toml:"processing_endpoint"`
}

// TOMLPoolConfig represents one [[pool]] table in TOML
type TOMLPoolConfig struct {
	Code               string `toml:"code"`
	Concurrency        int    `toml:"concurrency"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
	QueueCapacity      int    `toml:"queue_capacity"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML
type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Type     string             `toml:"type"`
	NATS     TOMLNATSConfig     `toml:"nats"`
	SQS      TOMLSQSConfig      `toml:"sqs"`
	Embedded TOMLEmbeddedConfig `toml:"embedded"`
	ActiveMQ TOMLActiveMQConfig `toml:"activemq"`
}

// TOMLEmbeddedConfig represents the embedded SQLite queue configuration in TOML
type TOMLEmbeddedConfig struct {
	DBPath string `toml:"db_path"`
}

// TOMLActiveMQConfig represents ActiveMQ STOMP configuration in TOML
type TOMLActiveMQConfig struct {
	Addr      string `toml:"addr"`
	Login     string `toml:"login"`
	Passcode  string `toml:"passcode"`
	QueueName string `toml:"queue_name"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL     string `toml:"url"`
	DataDir string `toml:"data_dir"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLLeaderConfig represents leader election configuration in TOML
type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	InstanceID      string `toml:"instance_id"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// TOMLSecretsConfig represents secrets provider configuration in TOML
type TOMLSecretsConfig struct {
	Provider      string `toml:"provider"`
	EncryptionKey string `toml:"encryption_key"`
	DataDir       string `toml:"data_dir"`

	// AWS
	AWSRegion   string `toml:"aws_region"`
	AWSPrefix   string `toml:"aws_prefix"`
	AWSEndpoint string `toml:"aws_endpoint"`

	// Vault
	VaultAddr      string `toml:"vault_addr"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`

	// GCP
	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/flowcatalyst/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("FLOWCATALYST_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		MongoDB: MongoDBConfig{
			URI:      tc.MongoDB.URI,
			Database: tc.MongoDB.Database,
		},
		Queue: QueueConfig{
			Type: tc.Queue.Type,
			NATS: NATSConfig{
				URL:     tc.Queue.NATS.URL,
				DataDir: tc.Queue.NATS.DataDir,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
			Embedded: EmbeddedQueueConfig{
				DBPath: tc.Queue.Embedded.DBPath,
			},
			ActiveMQ: ActiveMQConfig{
				Addr:      tc.Queue.ActiveMQ.Addr,
				Login:     tc.Queue.ActiveMQ.Login,
				Passcode:  tc.Queue.ActiveMQ.Passcode,
				QueueName: tc.Queue.ActiveMQ.QueueName,
			},
		},
		Leader: LeaderConfig{
			Enabled:    tc.Leader.Enabled,
			InstanceID: tc.Leader.InstanceID,
		},
		Scheduler: SchedulerConfig{
			BatchSize:               tc.Scheduler.BatchSize,
			MaxConcurrentGroups:     tc.Scheduler.MaxConcurrentGroups,
			DefaultDispatchPoolCode: tc.Scheduler.DefaultDispatchPoolCode,
			ProcessingEndpoint:      tc.Scheduler.ProcessingEndpoint,
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	if tc.Secrets.Provider != "" {
		cfg.Secrets = secrets.Config{
			Provider:       secrets.ProviderType(tc.Secrets.Provider),
			EncryptionKey:  tc.Secrets.EncryptionKey,
			DataDir:        tc.Secrets.DataDir,
			AWSRegion:      tc.Secrets.AWSRegion,
			AWSPrefix:      tc.Secrets.AWSPrefix,
			AWSEndpoint:    tc.Secrets.AWSEndpoint,
			VaultAddr:      tc.Secrets.VaultAddr,
			VaultPath:      tc.Secrets.VaultPath,
			VaultNamespace: tc.Secrets.VaultNamespace,
			GCPProject:     tc.Secrets.GCPProject,
			GCPPrefix:      tc.Secrets.GCPPrefix,
		}
	}

	for _, p := range tc.Pool {
		cfg.Pools = append(cfg.Pools, PoolConfig{
			Code:               p.Code,
			Concurrency:        p.Concurrency,
			RateLimitPerMinute: p.RateLimitPerMinute,
			QueueCapacity:      p.QueueCapacity,
		})
	}

	if tc.Scheduler.PollInterval != "" {
		if d, err := time.ParseDuration(tc.Scheduler.PollInterval); err == nil {
			cfg.Scheduler.PollInterval = d
		}
	}
	if tc.Scheduler.StaleQueuedThreshold != "" {
		if d, err := time.ParseDuration(tc.Scheduler.StaleQueuedThreshold); err == nil {
			cfg.Scheduler.StaleQueuedThreshold = d
		}
	}
	if tc.Scheduler.StaleQueuedPollInterval != "" {
		if d, err := time.ParseDuration(tc.Scheduler.StaleQueuedPollInterval); err == nil {
			cfg.Scheduler.StaleQueuedPollInterval = d
		}
	}

	// Parse durations
	if tc.Leader.TTL != "" {
		if d, err := time.ParseDuration(tc.Leader.TTL); err == nil {
			cfg.Leader.TTL = d
		}
	}
	if tc.Leader.RefreshInterval != "" {
		if d, err := time.ParseDuration(tc.Leader.RefreshInterval); err == nil {
			cfg.Leader.RefreshInterval = d
		}
	}

	return cfg, nil
}

// mergeConfigs merges two configs, with override taking precedence for non-zero values
func mergeConfigs(base, override *Config) *Config {
	result := *base

	// HTTP
	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	// MongoDB
	if override.MongoDB.URI != "" && override.MongoDB.URI != "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true" {
		result.MongoDB.URI = override.MongoDB.URI
	}
	if override.MongoDB.Database != "" && override.MongoDB.Database != "flowcatalyst" {
		result.MongoDB.Database = override.MongoDB.Database
	}

	// Queue
	if override.Queue.Type != "" && override.Queue.Type != "embedded" {
		result.Queue.Type = override.Queue.Type
	}
	if override.Queue.NATS.URL != "" {
		result.Queue.NATS.URL = override.Queue.NATS.URL
	}
	if override.Queue.NATS.DataDir != "" {
		result.Queue.NATS.DataDir = override.Queue.NATS.DataDir
	}
	if override.Queue.SQS.QueueURL != "" {
		result.Queue.SQS.QueueURL = override.Queue.SQS.QueueURL
	}
	if override.Queue.SQS.Region != "" {
		result.Queue.SQS.Region = override.Queue.SQS.Region
	}
	if override.Queue.Embedded.DBPath != "" && override.Queue.Embedded.DBPath != "./dispatch-queue.db" {
		result.Queue.Embedded.DBPath = override.Queue.Embedded.DBPath
	}
	if override.Queue.ActiveMQ.Addr != "" && override.Queue.ActiveMQ.Addr != "localhost:61613" {
		result.Queue.ActiveMQ.Addr = override.Queue.ActiveMQ.Addr
	}

	// Scheduler
	if override.Scheduler.PollInterval != 0 && override.Scheduler.PollInterval != 5*time.Second {
		result.Scheduler.PollInterval = override.Scheduler.PollInterval
	}
	if override.Scheduler.BatchSize != 0 && override.Scheduler.BatchSize != 20 {
		result.Scheduler.BatchSize = override.Scheduler.BatchSize
	}
	if override.Scheduler.DefaultDispatchPoolCode != "" && override.Scheduler.DefaultDispatchPoolCode != "DISPATCH-POOL" {
		result.Scheduler.DefaultDispatchPoolCode = override.Scheduler.DefaultDispatchPoolCode
	}
	if len(override.Pools) > 0 {
		result.Pools = override.Pools
	}

	// Leader
	if override.Leader.Enabled {
		result.Leader.Enabled = true
	}
	if override.Leader.InstanceID != "" {
		result.Leader.InstanceID = override.Leader.InstanceID
	}

	// Secrets
	if override.Secrets.Provider != "" && override.Secrets.Provider != secrets.ProviderTypeEnv {
		result.Secrets = override.Secrets
	}

	// General
	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# FlowCatalyst Configuration
# Environment variables override these settings

data_dir = "./data"
dev_mode = false

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[mongodb]
uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
database = "flowcatalyst"

[queue]
type = "embedded"  # embedded, nats, sqs, or activemq

[queue.nats]
url = "nats://localhost:4222"
data_dir = "./data/nats"

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[queue.embedded]
db_path = "./dispatch-queue.db"

[queue.activemq]
addr = "localhost:61613"
login = ""
passcode = ""
queue_name = "/queue/dispatch"

[scheduler]
poll_interval = "5s"
batch_size = 20
max_concurrent_groups = 10
stale_queued_threshold_minutes = "15m"
stale_queued_poll_interval = "60s"
default_dispatch_pool_code = "DISPATCH-POOL"
processing_endpoint = ""

[[pool]]
code = "DISPATCH-POOL"
concurrency = 10
rate_limit_per_minute = 0
queue_capacity = 1000

[leader]
enabled = false
instance_id = ""
ttl = "30s"
refresh_interval = "10s"

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault, gcp-sm

# Encrypted provider
encryption_key = ""
data_dir = "./data/secrets"

# AWS Secrets Manager
aws_region = ""
aws_prefix = "/flowcatalyst/"
aws_endpoint = ""

# HashiCorp Vault
vault_addr = ""
vault_path = "secret/data/flowcatalyst"
vault_namespace = ""

# GCP Secret Manager
gcp_project = ""
gcp_prefix = "flowcatalyst-"
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
