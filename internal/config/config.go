package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	RabbitMQ RabbitMQConfig
	Ingest   IngestConfig
}

type ServerConfig struct {
	Port string
	Host string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RabbitMQConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	VHost    string

	AcceptedExchange   string
	AcceptedRoutingKey string
}

// IngestConfig holds the tunables of the ingestion core. All values have
// working defaults; only the replay window and the rate-limit defaults are
// expected to be overridden per deployment.
type IngestConfig struct {
	// NonceRetention is the replay-detection window. Nonces older than this
	// are swept and can no longer be flagged as replays.
	NonceRetention time.Duration

	// DefaultBurstCapacity and DefaultSustainedPerMin apply to sources
	// without per-source overrides.
	DefaultBurstCapacity   float64
	DefaultSustainedPerMin float64

	// BucketRetention controls when idle rate-limit rows are deleted.
	BucketRetention time.Duration

	// SweepInterval is how often the maintenance sweeper runs.
	SweepInterval time.Duration

	// StuckProcessingAfter is the age past which events still in processing
	// status are reported by the sweeper. Reporting only, no mutation.
	StuckProcessingAfter time.Duration
}

func Load() (*Config, error) {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	var missing []string

	get := func(key string) string {
		val := os.Getenv(key)
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}

	config := &Config{
		Server: ServerConfig{
			Port: get("SERVER_PORT"),
			Host: get("SERVER_HOST"),
		},
		Database: DatabaseConfig{
			Host:     get("DB_HOST"),
			Port:     get("DB_PORT"),
			User:     get("DB_USER"),
			Password: get("DB_PASSWORD"),
			DBName:   get("DB_NAME"),
			SSLMode:  get("DB_SSLMODE"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:                os.Getenv("RABBITMQ_URL"),
			Host:               get("RABBITMQ_HOST"),
			Port:               get("RABBITMQ_PORT"),
			User:               get("RABBITMQ_USER"),
			Password:           get("RABBITMQ_PASSWORD"),
			VHost:              get("RABBITMQ_VHOST"),
			AcceptedExchange:   getDefault("RABBITMQ_ACCEPTED_EXCHANGE", "webhook.ingest"),
			AcceptedRoutingKey: getDefault("RABBITMQ_ACCEPTED_ROUTING_KEY", "webhook.accepted"),
		},
		Ingest: IngestConfig{
			NonceRetention:         getDuration("INGEST_NONCE_RETENTION", 15*time.Minute),
			DefaultBurstCapacity:   getFloat("INGEST_RATE_BURST", 120),
			DefaultSustainedPerMin: getFloat("INGEST_RATE_SUSTAINED_PER_MIN", 60),
			BucketRetention:        getDuration("INGEST_BUCKET_RETENTION", 24*time.Hour),
			SweepInterval:          getDuration("INGEST_SWEEP_INTERVAL", 5*time.Minute),
			StuckProcessingAfter:   getDuration("INGEST_STUCK_PROCESSING_AFTER", 30*time.Minute),
		},
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return config, nil
}

func getDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func getFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

// ConnectionString returns a DSN string for GORM
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.DBName, c.Port, c.SSLMode)
}

func (c *RabbitMQConfig) ConnectionURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s%s",
		c.User, c.Password, c.Host, c.Port, c.VHost)
}
