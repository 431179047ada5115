package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	SchedulerJobs     []string

	Verifactu VerifactuConfig
}

// VerifactuConfig controls chaining, QR and certification-service settings shared by
// all issuer accounts. Per-account credentials live in issuer_configs.
type VerifactuConfig struct {
	Timezone          string
	QRBaseURL         string
	ServiceEndpoint   string
	ServiceTimeout    time.Duration
	SubmitInline      bool
	SubmitWorkers     int
	SubmitQueueSize   int
	RetryInterval     time.Duration
	RetryBatchSize    int
	RetryMaxAttempts  int
	SeriesLockTimeout time.Duration
	// ClaimLease bounds how long one worker owns an in-flight submission.
	ClaimLease time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "fiscalia"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4318"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "fiscalia"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "fiscalia.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		SchedulerEnabled:  getenvBool("SCHEDULER_ENABLED", true),
		SchedulerInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
		SchedulerJobs:     getenvList("SCHEDULER_JOBS"),
		Verifactu: VerifactuConfig{
			Timezone:          getenv("VERIFACTU_TIMEZONE", "Europe/Madrid"),
			QRBaseURL:         getenv("VERIFACTU_QR_BASE_URL", "https://www2.agenciatributaria.gob.es/wlpl/TIKE-CONT/ValidarQR"),
			ServiceEndpoint:   strings.TrimSpace(getenv("VERIFACTU_SERVICE_ENDPOINT", "")),
			ServiceTimeout:    getenvDuration("VERIFACTU_SERVICE_TIMEOUT", 15*time.Second),
			SubmitInline:      getenvBool("VERIFACTU_SUBMIT_INLINE", false),
			SubmitWorkers:     getenvInt("VERIFACTU_SUBMIT_WORKERS", 4),
			SubmitQueueSize:   getenvInt("VERIFACTU_SUBMIT_QUEUE_SIZE", 256),
			RetryInterval:     getenvDuration("VERIFACTU_RETRY_INTERVAL", 5*time.Minute),
			RetryBatchSize:    getenvInt("VERIFACTU_RETRY_BATCH_SIZE", 25),
			RetryMaxAttempts:  getenvInt("VERIFACTU_RETRY_MAX_ATTEMPTS", 10),
			SeriesLockTimeout: getenvDuration("VERIFACTU_SERIES_LOCK_TIMEOUT", 10*time.Second),
			ClaimLease:        getenvDuration("VERIFACTU_CLAIM_LEASE", 2*time.Minute),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// Location resolves the timezone used for chain timestamps, falling back to UTC.
func (c VerifactuConfig) Location() *time.Location {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
