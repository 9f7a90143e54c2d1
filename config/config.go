package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sequencer/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// EngineConfig tunes the sequence scheduler
type EngineConfig struct {
	BatchSize         int           `json:"batch_size"`
	Concurrency       int           `json:"concurrency"`
	ReclaimAfter      time.Duration `json:"reclaim_after"`
	DeferDelay        time.Duration `json:"defer_delay"`
	SchedulerCron     string        `json:"scheduler_cron"`
	ConditionLookback time.Duration `json:"condition_lookback"`
	TriggerPerMinute  int           `json:"trigger_per_minute"` // manual run requests allowed per client
}

// GatewayConfig tunes message delivery
type GatewayConfig struct {
	Timeout           time.Duration `json:"timeout"`
	MaxAttempts       int           `json:"max_attempts"`
	Backoff           time.Duration `json:"backoff"`
	SendRatePerMinute int           `json:"send_rate_per_minute"`
	TrackingBaseURL   string        `json:"tracking_base_url"`
}

type Config struct {
	Environment      string        `json:"environment"`
	EncryptionKey    string        `json:"-"`
	ServerPort       string        `json:"server_port"`
	DBHost           string        `json:"db_host"`
	DBPort           string        `json:"db_port"`
	DBUser           string        `json:"db_user"`
	DBPassword       string        `json:"-"`
	DBName           string        `json:"db_name"`
	DBSSLMode        string        `json:"db_ssl_mode"`
	DBMaxIdleConns   int           `json:"db_max_idle_conns"`
	DBMaxOpenConns   int           `json:"db_max_open_conns"`
	LogLevel         string        `json:"log_level"`
	LogFormat        string        `json:"log_format"`
	SentryDSN        string        `json:"-"`
	IMAPPollInterval time.Duration `json:"imap_poll_interval"`
	AllowedOrigins   []string      `json:"allowed_origins"`
	Redis            RedisConfig   `json:"redis"`
	Engine           EngineConfig  `json:"engine"`
	Gateway          GatewayConfig `json:"gateway"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:      getEnv("ENVIRONMENT", "development"),
		EncryptionKey:    getEnv("ENCRYPTION_KEY", ""),
		ServerPort:       getEnv("SERVER_PORT", "5000"),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnv("DB_PORT", "5432"),
		DBUser:           getEnv("DB_USER", "postgres"),
		DBPassword:       getEnv("DB_PASSWORD", ""),
		DBName:           getEnv("DB_NAME", "sequencer"),
		DBSSLMode:        getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns:   getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns:   getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "text"),
		SentryDSN:        getEnv("SENTRY_DSN", ""),
		IMAPPollInterval: getEnvAsDuration("IMAP_POLL_INTERVAL", 5*time.Minute),
		AllowedOrigins:   strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"), ","),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			BatchSize:         getEnvAsInt("BATCH_SIZE", 50),
			Concurrency:       getEnvAsInt("WORKER_CONCURRENCY", 4),
			ReclaimAfter:      getEnvAsDuration("RECLAIM_AFTER", 15*time.Minute),
			DeferDelay:        getEnvAsDuration("RATE_LIMIT_DEFER", time.Minute),
			SchedulerCron:     getEnv("SCHEDULER_CRON", "@every 2m"),
			ConditionLookback: time.Duration(getEnvAsInt("CONDITION_LOOKBACK_HOURS", 168)) * time.Hour,
			TriggerPerMinute:  getEnvAsInt("RUN_TRIGGER_PER_MINUTE", 6),
		},
		Gateway: GatewayConfig{
			Timeout:           getEnvAsDuration("GATEWAY_TIMEOUT", 30*time.Second),
			MaxAttempts:       getEnvAsInt("GATEWAY_MAX_ATTEMPTS", 3),
			Backoff:           getEnvAsDuration("GATEWAY_BACKOFF", time.Second),
			SendRatePerMinute: getEnvAsInt("SEND_RATE_PER_MINUTE", 30),
			TrackingBaseURL:   getEnv("TRACKING_BASE_URL", ""),
		},
	}

	if err := AppConfig.Validate(); err != nil {
		return err
	}

	logConfig()
	return nil
}

// Validate checks required settings and engine bounds
func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	switch len(c.EncryptionKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("ENCRYPTION_KEY is required and must be 16, 24 or 32 bytes")
	}
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.Gateway.MaxAttempts <= 0 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// SetupLogging configures logrus and, when SENTRY_DSN is set, the Sentry client
func SetupLogging() error {
	level, err := logrus.ParseLevel(AppConfig.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stdout)
	if AppConfig.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if AppConfig.SentryDSN == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         AppConfig.SentryDSN,
		Environment: AppConfig.Environment,
	}); err != nil {
		return fmt.Errorf("failed to init sentry: %w", err)
	}
	return nil
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.Infof("Using connection string: %s", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("✅ Successfully connected to the database")
	return nil
}

// MigrateDB creates or updates the engine's tables
func MigrateDB(db *gorm.DB) error {
	logrus.Info("🔄 Starting database migration...")
	err := db.AutoMigrate(
		&models.Sender{},
		&models.Lead{},
		&models.LeadActivity{},
		&models.Sequence{},
		&models.Step{},
		&models.Enrollment{},
		&models.Execution{},
		&models.SentMessage{},
	)
	if err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("✅ Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":    AppConfig.Environment,
		"server_port":    AppConfig.ServerPort,
		"database":       fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":          AppConfig.Redis.Enabled,
		"batch_size":     AppConfig.Engine.BatchSize,
		"concurrency":    AppConfig.Engine.Concurrency,
		"scheduler_cron": AppConfig.Engine.SchedulerCron,
	}).Info("🔧 Loaded configuration")
}
