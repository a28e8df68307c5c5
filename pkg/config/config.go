package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration from environment variables
type Config struct {
	// Application
	AppPort  string
	LogLevel string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Auth tokens are issued by the accounts service; we only verify them
	JWTSecret string

	// Payment gateway (Chapa)
	ChapaSecretKey     string
	ChapaBaseURL       string
	ChapaWebhookSecret string
	PaymentCallbackURL string
	PaymentReturnURL   string
	PaymentCurrency    string
	GatewayTimeout     time.Duration

	// Product cache shared with the catalog service
	RedisAddr     string
	RedisPassword string

	// Background tasks
	TaskBackend     string // inline or kafka
	TaskWorkers     int
	TaskMaxAttempts int
	KafkaBrokers    []string
	KafkaTaskTopic  string
	KafkaTaskGroup  string

	// Email
	DefaultFromEmail  string
	EmailHost         string
	EmailPort         string
	EmailHostUser     string
	EmailHostPassword string

	// OpenTelemetry
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPProtocol  string
	OTELExporterOTLPHeaders   string // For SigNoz Cloud: signoz-ingestion-key=<key>
	OTELExporterOTLPInsecure  bool   // true for http://, false for https://
	OTELServiceName           string
	OTELServiceVersion        string
	OTELDeploymentEnvironment string
	OTELResourceAttributes    string
}

// LoadConfig loads configuration from .env file and environment variables with defaults
func LoadConfig() *Config {
	// .env is optional; only complain about real read errors
	if err := godotenv.Load(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			log.Printf("Warning: Error loading .env file: %v", err)
		}
	}

	chapaSecret := getEnv("CHAPA_SECRET_KEY", "")

	return &Config{
		AppPort:  getEnv("APP_PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "nexus"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		ChapaSecretKey: chapaSecret,
		ChapaBaseURL:   strings.TrimRight(getEnv("CHAPA_BASE_URL", "https://api.chapa.co/v1"), "/"),
		// the gateway signs webhooks with the secret key unless a dedicated one is set
		ChapaWebhookSecret: getEnv("CHAPA_WEBHOOK_SECRET", chapaSecret),
		PaymentCallbackURL: getEnv("PAYMENT_CALLBACK_URL", "http://localhost:8080/api/v1/payments/webhook"),
		PaymentReturnURL:   getEnv("PAYMENT_RETURN_URL", "http://localhost:3000/payment-success"),
		PaymentCurrency:    getEnv("PAYMENT_CURRENCY", "ETB"),
		GatewayTimeout:     getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		TaskBackend:     getEnv("TASK_BACKEND", "inline"),
		TaskWorkers:     getEnvInt("TASK_WORKERS", 4),
		TaskMaxAttempts: getEnvInt("TASK_MAX_ATTEMPTS", 3),
		KafkaBrokers:    splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTaskTopic:  getEnv("KAFKA_TASK_TOPIC", "nexus_tasks"),
		KafkaTaskGroup:  getEnv("KAFKA_TASK_GROUP", "nexus-checkout-tasks"),

		DefaultFromEmail:  getEnv("DEFAULT_FROM_EMAIL", "noreply@nexus.com"),
		EmailHost:         getEnv("EMAIL_HOST", ""),
		EmailPort:         getEnv("EMAIL_PORT", "587"),
		EmailHostUser:     getEnv("EMAIL_HOST_USER", ""),
		EmailHostPassword: getEnv("EMAIL_HOST_PASSWORD", ""),

		OTELExporterOTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		OTELExporterOTLPProtocol:  getEnv("OTEL_EXPORTER_OTLP_PROTOCOL", "http/protobuf"),
		OTELExporterOTLPHeaders:   getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
		OTELExporterOTLPInsecure:  getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELServiceName:           getEnv("OTEL_SERVICE_NAME", "nexus-checkout"),
		OTELServiceVersion:        getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		OTELDeploymentEnvironment: getEnv("OTEL_DEPLOYMENT_ENVIRONMENT", "development"),
		OTELResourceAttributes:    getEnv("OTEL_RESOURCE_ATTRIBUTES", ""),
	}
}

// Validate reports settings the service cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.ChapaWebhookSecret == "" {
		errs = append(errs, errors.New("CHAPA_WEBHOOK_SECRET or CHAPA_SECRET_KEY must be set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	if c.TaskBackend != "inline" && c.TaskBackend != "kafka" {
		errs = append(errs, errors.New("TASK_BACKEND must be inline or kafka"))
	}
	if c.TaskBackend == "kafka" && c.KafkaTaskGroup == "" {
		errs = append(errs, errors.New("KAFKA_TASK_GROUP must be set for the kafka backend"))
	}
	if c.TaskMaxAttempts < 1 {
		errs = append(errs, errors.New("TASK_MAX_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

// GetDSN returns the MySQL DSN string
func (c *Config) GetDSN() string {
	return c.DBUser + ":" + c.DBPassword + "@tcp(" + c.DBHost + ":" + c.DBPort + ")/" + c.DBName + "?parseTime=true&charset=utf8mb4"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if value == "true" || value == "1" || value == "yes" {
			return true
		}
		return false
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Warning: %s=%q is not an integer, using %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Warning: %s=%q is not a duration, using %s", key, value, defaultValue)
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
