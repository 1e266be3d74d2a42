package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	defaultDatabaseURL    = "mongodb://localhost:27017/usermgmt"
	defaultDatabaseName   = "usermgmt"
	defaultUploadDir      = "public/uploads"
	defaultUploadMaxBytes = 5 << 20
	defaultEventsChannel  = "user-events"
)

type Config struct {
	Env        string
	ServerPort int
	LogLevel   string
	Database   DatabaseConfig
	Upload     UploadConfig
	Storage    StorageConfig
	Events     EventsConfig
}

// DatabaseConfig selects the record store. The URL scheme decides the backend:
// mongodb:// and mongodb+srv:// use MongoDB, postgres:// and postgresql:// use PostgreSQL.
type DatabaseConfig struct {
	URL  string
	Name string
}

type UploadConfig struct {
	Dir          string
	MaxBytes     int64
	MaxDimension int
}

type StorageConfig struct {
	Backend string
	Minio   MinioConfig
	GCS     GCSConfig
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
}

type EventsConfig struct {
	Backend  string
	Channel  string
	RabbitMQ RabbitMQConfig
	PubSub   PubSubConfig
}

type RabbitMQConfig struct {
	URL             string
	PrefetchCount   int
	QueueDurable    bool
	QueueAutoDelete bool
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

func LoadConfig() Config {
	env := getEnv("ENV", "")
	if env == "dev" {
		godotenv.Load()
	}

	dbURL := getEnv("DATABASE_URL", getEnv("MONGODB_URI", defaultDatabaseURL))

	return Config{
		Env:        env,
		ServerPort: getEnvInt("PORT", 3000),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			URL:  dbURL,
			Name: getEnv("DB_NAME", databaseNameFromURL(dbURL)),
		},
		Upload: UploadConfig{
			Dir:          getEnv("UPLOAD_DIR", defaultUploadDir),
			MaxBytes:     int64(getEnvInt("UPLOAD_MAX_BYTES", defaultUploadMaxBytes)),
			MaxDimension: getEnvInt("UPLOAD_MAX_DIMENSION", 0),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(getEnv("STORAGE_BACKEND", "local")),
			Minio: MinioConfig{
				Endpoint:  getEnv("MINIO_ENDPOINT", ""),
				AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
				SecretKey: getEnv("MINIO_SECRET_KEY", ""),
				Bucket:    getEnv("MINIO_BUCKET", "profile-pictures"),
				UseSSL:    getEnvBool("MINIO_USE_SSL", false),
			},
			GCS: GCSConfig{
				Bucket:          getEnv("GCS_BUCKET", ""),
				ProjectID:       getEnv("GCS_PROJECT_ID", ""),
				CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
			},
		},
		Events: EventsConfig{
			Backend: strings.ToLower(getEnv("EVENTS_BACKEND", "")),
			Channel: getEnv("EVENTS_CHANNEL", defaultEventsChannel),
			RabbitMQ: RabbitMQConfig{
				URL:             getEnv("RABBITMQ_URL", ""),
				PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH", 10),
				QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
				QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
			},
			PubSub: PubSubConfig{
				ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
				CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
				SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
			},
		},
	}
}

// IsPostgres reports whether the database URL targets PostgreSQL.
func (c DatabaseConfig) IsPostgres() bool {
	lower := strings.ToLower(c.URL)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

func databaseNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return defaultDatabaseName
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return defaultDatabaseName
	}
	return name
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
		if err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}
