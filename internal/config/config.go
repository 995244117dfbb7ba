package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Stripe     StripeConfig
	Booking    BookingConfig
	Auth       AuthConfig
	QR         QRConfig
	Migrations MigrationConfig
}

type ServerConfig struct {
	Port            string
	PaymentPort     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	DSN          string
	Host         string
	Port         string
	Username     string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	ConnRetries  int
}

// URL returns DSN when set, otherwise a postgres URL built from the parts.
func (d DatabaseConfig) URL() string {
	if d.DSN != "" {
		return d.DSN
	}
	return "postgres://" + d.Username + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.Database + "?sslmode=" + d.SSLMode
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  TopicConfig
	Enabled bool
}

type TopicConfig struct {
	BookingReserved  string
	BookingConfirmed string
	BookingCancelled string
	BookingReleased  string
	PaymentOutcome   string
}

func (t TopicConfig) All() []string {
	return []string{t.BookingReserved, t.BookingConfirmed, t.BookingCancelled, t.BookingReleased, t.PaymentOutcome}
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

type BookingConfig struct {
	Currency           string
	HoldWindow         time.Duration
	CancellationWindow time.Duration
	ReaperInterval     time.Duration
	ReaperBatchSize    int
	PointsDivisor      int64
	MaxLinesPerBooking int
	PaymentLockTTL     time.Duration
}

type AuthConfig struct {
	OIDCIssuer string
	JWTSecret  string
	// StaffRole is the token role allowed to redeem tickets at the gate.
	StaffRole  string
}

type QRConfig struct {
	Secret string
	Size   int
}

type MigrationConfig struct {
	Dir      string
	SeedData bool
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", ":8084"),
			PaymentPort:     getEnv("PAYMENT_PORT", ":8085"),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 5*time.Second),
		},
		Database: DatabaseConfig{
			DSN:          getEnv("POSTGRES_DSN", ""),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			Username:     getEnv("DB_USERNAME", "ticketing"),
			Password:     getEnv("DB_PASSWORD", "ticketing"),
			Database:     getEnv("DB_NAME", "ticketing"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			ConnRetries:  getEnvInt("DB_CONNECT_RETRIES", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			GroupID: getEnv("KAFKA_GROUP_ID", "booking-service"),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				BookingReserved:  getEnv("KAFKA_TOPIC_BOOKING_RESERVED", "ticketing.booking.reserved"),
				BookingConfirmed: getEnv("KAFKA_TOPIC_BOOKING_CONFIRMED", "ticketing.booking.confirmed"),
				BookingCancelled: getEnv("KAFKA_TOPIC_BOOKING_CANCELLED", "ticketing.booking.cancelled"),
				BookingReleased:  getEnv("KAFKA_TOPIC_BOOKING_RELEASED", "ticketing.booking.released"),
				PaymentOutcome:   getEnv("KAFKA_TOPIC_PAYMENT_OUTCOME", "ticketing.payment.outcome"),
			},
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Booking: BookingConfig{
			Currency:           strings.ToLower(getEnv("BOOKING_CURRENCY", "lkr")),
			HoldWindow:         getEnvDuration("BOOKING_HOLD_WINDOW", 15*time.Minute),
			CancellationWindow: getEnvDuration("BOOKING_CANCELLATION_WINDOW", 24*time.Hour),
			ReaperInterval:     getEnvDuration("REAPER_INTERVAL", time.Minute),
			ReaperBatchSize:    getEnvInt("REAPER_BATCH_SIZE", 100),
			PointsDivisor:      int64(getEnvInt("LOYALTY_POINTS_DIVISOR", 100)),
			MaxLinesPerBooking: getEnvInt("BOOKING_MAX_LINES", 10),
			PaymentLockTTL:     getEnvDuration("PAYMENT_LOCK_TTL", 30*time.Second),
		},
		Auth: AuthConfig{
			OIDCIssuer: getEnv("OIDC_ISSUER", ""),
			JWTSecret:  getEnv("JWT_SECRET", ""),
			StaffRole:  getEnv("AUTH_STAFF_ROLE", "gate_staff"),
		},
		QR: QRConfig{
			Secret: getEnv("QR_SECRET", "change-me"),
			Size:   getEnvInt("QR_SIZE", 256),
		},
		Migrations: MigrationConfig{
			Dir:      getEnv("MIGRATIONS_DIR", "./migrations"),
			SeedData: getEnvBool("MIGRATIONS_SEED", false),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("15m", "24h").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
