package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"mailflow/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`
	FromEmail    string `json:"from_email"`
	FromName     string `json:"from_name"`

	// Public base URL for tracking pixels, click redirects and
	// unsubscribe links injected into outbound mail.
	TrackingBaseURL string `json:"tracking_base_url"`

	// Global send-rate ceilings; 0 means unlimited.
	SendRatePerMinute int `json:"send_rate_per_minute"`
	SendRatePerHour   int `json:"send_rate_per_hour"`

	// Queue tuning
	QueuePollSeconds int `json:"queue_poll_seconds"`
	QueueBatchSize   int `json:"queue_batch_size"`
	QueueMaxAttempts int `json:"queue_max_attempts"`
	LockTTLMinutes   int `json:"lock_ttl_minutes"`

	// Sandbox sends are restricted to these addresses.
	SandboxEmails []string `json:"sandbox_emails"`

	// When set, campaign sends are logged but never hit the transport.
	DryRun bool `json:"dry_run"`

	RateLimitTracking int         `json:"rate_limit_tracking"`
	SentryDSN         string      `json:"-"`
	Redis             RedisConfig `json:"redis"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		FromEmail:    getEnv("SMTP_FROM_EMAIL", ""),
		FromName:     getEnv("SMTP_FROM_NAME", ""),

		TrackingBaseURL: strings.TrimRight(getEnv("TRACKING_BASE_URL", "http://localhost:5000"), "/"),

		SendRatePerMinute: getEnvAsInt("SEND_RATE_PER_MINUTE", 0),
		SendRatePerHour:   getEnvAsInt("SEND_RATE_PER_HOUR", 0),

		QueuePollSeconds: getEnvAsInt("QUEUE_POLL_SECONDS", 2),
		QueueBatchSize:   getEnvAsInt("QUEUE_BATCH_SIZE", 10),
		QueueMaxAttempts: getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
		LockTTLMinutes:   getEnvAsInt("LOCK_TTL_MINUTES", 10),

		SandboxEmails: splitList(getEnv("SANDBOX_EMAILS", "")),
		DryRun:        getEnvAsBool("DELIVERY_DRY_RUN", false),

		RateLimitTracking: getEnvAsInt("RATE_LIMIT_TRACKING", 300),
		SentryDSN:         getEnv("SENTRY_DSN", ""),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if !AppConfig.DryRun && AppConfig.SMTPHost == "" {
		return fmt.Errorf("SMTP_HOST is required unless DELIVERY_DRY_RUN is set")
	}
	if AppConfig.SendRatePerMinute < 0 || AppConfig.SendRatePerHour < 0 {
		return fmt.Errorf("send-rate ceilings must not be negative")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
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

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// MigrateDB creates or updates every table the delivery engine owns.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Subscriber{},
		&models.Template{},
		&models.Campaign{},
		&models.DeliveryJob{},
		&models.DeliveryLog{},
		&models.Automation{},
		&models.AutomationStep{},
		&models.AutomationEnrollment{},
		&models.AutomationLog{},
		&models.TrackingEvent{},
	)
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
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
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
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Throttle: %d/min %d/hour (0 = unlimited)",
		AppConfig.SendRatePerMinute,
		AppConfig.SendRatePerHour)
	log.Printf("Queue: poll %ds batch %d max attempts %d lock TTL %dm",
		AppConfig.QueuePollSeconds,
		AppConfig.QueueBatchSize,
		AppConfig.QueueMaxAttempts,
		AppConfig.LockTTLMinutes)
}
