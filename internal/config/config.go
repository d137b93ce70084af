package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	DatabaseURL string
	WorkerID    string
	Queue       string

	LeaseSeconds     int
	DequeueBatchSize int
	ReapInterval     time.Duration

	AdminAddr        string // empty when disabled
	APIToken         string
	MigrateOnStartup bool

	MaxPayloadBytes     int
	MaxEnqueuePerMinute int64

	DBMaxConnections    int
	DBAcquireTimeout    time.Duration

	ArchiveSucceededAfter time.Duration
	PruneHistoryAfter     time.Duration
	MaintenanceInterval   time.Duration

	// Demo image-handler knobs.
	ImageOutputDir       string
	ImageDownloadTimeout time.Duration
	ImageMaxBytes        int64
	ImageDefaultWidth    int
	ImageS3Bucket        string
	ImageS3Region        string
	ImageS3Endpoint      string
	ImageS3PathStyle     bool
}

// Load reads configuration from environment variables with sane defaults for
// local development. DATABASE_URL is the only required option.
func Load() (Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	workerID := getEnv("WORKER_ID", "")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	return Config{
		DatabaseURL:           dsn,
		WorkerID:              workerID,
		Queue:                 getEnv("QUEUE", "default"),
		LeaseSeconds:          getEnvInt("LEASE_SECONDS", 10),
		DequeueBatchSize:      getEnvInt("DEQUEUE_BATCH_SIZE", 10),
		ReapInterval:          time.Duration(getEnvInt("REAP_INTERVAL_MS", 1000)) * time.Millisecond,
		AdminAddr:             normalizeAddr(getEnv("ADMIN_ADDR", ":8080")),
		APIToken:              getEnv("API_TOKEN", ""),
		MigrateOnStartup:      getEnvBool("MIGRATE_ON_STARTUP", false),
		MaxPayloadBytes:       getEnvInt("MAX_PAYLOAD_BYTES", 256*1024),
		MaxEnqueuePerMinute:   int64(getEnvInt("MAX_ENQUEUE_PER_MINUTE", 10000)),
		DBMaxConnections:      getEnvInt("DB_MAX_CONNECTIONS", 10),
		DBAcquireTimeout:      time.Duration(getEnvInt("DB_ACQUIRE_TIMEOUT_SECS", 5)) * time.Second,
		ArchiveSucceededAfter: time.Duration(getEnvInt("ARCHIVE_SUCCEEDED_AFTER_DAYS", 7)) * 24 * time.Hour,
		PruneHistoryAfter:     time.Duration(getEnvInt("PRUNE_HISTORY_AFTER_DAYS", 7)) * 24 * time.Hour,
		MaintenanceInterval:   time.Duration(getEnvInt("MAINTENANCE_INTERVAL_SECS", 60)) * time.Second,
		ImageOutputDir:        getEnv("IMAGE_OUTPUT_DIR", "./output"),
		ImageDownloadTimeout:  time.Duration(getEnvInt("IMAGE_DOWNLOAD_TIMEOUT_SECS", 30)) * time.Second,
		ImageMaxBytes:         int64(getEnvInt("IMAGE_MAX_BYTES", 25*1024*1024)),
		ImageDefaultWidth:     getEnvInt("IMAGE_DEFAULT_WIDTH", 320),
		ImageS3Bucket:         getEnv("IMAGE_S3_BUCKET", ""),
		ImageS3Region:         getEnv("IMAGE_S3_REGION", "us-east-1"),
		ImageS3Endpoint:       getEnv("IMAGE_S3_ENDPOINT", ""),
		ImageS3PathStyle:      getEnvBool("IMAGE_S3_PATH_STYLE", false),
	}, nil
}

// normalizeAddr treats "off" and friends as a disabled admin listener.
func normalizeAddr(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "off", "false", "none":
		return ""
	}
	return strings.TrimSpace(v)
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
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}
