package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Embedding EmbeddingConfig
	Vector    VectorConfig
	LLM       LLMConfig
	KurrentDB KurrentDBConfig
	HIS       HISConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

type AuthConfig struct {
	JWTSecret string
}

// EmbeddingConfig holds settings for the question-embedding service.
// Any OpenAI-compatible endpoint works (OpenAI, TEI, Ollama's /v1).
type EmbeddingConfig struct {
	BaseURL    string
	Model      string
	APIKey     string
	Dimensions int
}

// VectorConfig holds similarity-search settings. Thresholds are kept
// per entity group because the legacy defaults differ (0.7 for clinical
// content, 0.8 for name entities) with no documented rationale; pending
// product review rather than unified here.
type VectorConfig struct {
	Threshold     float64
	NameThreshold float64
	MaxResults    int
	SearchTimeout time.Duration
}

// LLMConfig holds settings for the answer-generation backend.
type LLMConfig struct {
	BaseURL          string
	Model            string
	APIKey           string
	Temperature      float64
	MaxOutputTokens  int
	MaxContextTokens int
	Timeout          time.Duration
	RequestTimeout   time.Duration
}

// KurrentDBConfig holds configuration for the optional audit event stream.
type KurrentDBConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
}

// HISConfig holds configuration for the legacy hospital information
// system import (SQL Server).
type HISConfig struct {
	Enabled      bool
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	PollInterval time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "smarthealth"),
			Password: getEnv("DB_PASSWORD", "smarthealth"),
			Database: getEnv("DB_NAME", "smarthealth"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
		},
		Embedding: EmbeddingConfig{
			BaseURL:    getEnv("EMBEDDING_BASE_URL", "https://api.openai.com/v1"),
			Model:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			APIKey:     getEnv("OPENAI_API_KEY", ""),
			Dimensions: getEnvInt("EMBEDDING_DIMENSIONS", 1536),
		},
		Vector: VectorConfig{
			Threshold:     getEnvFloat("VECTOR_THRESHOLD", 0.7),
			NameThreshold: getEnvFloat("VECTOR_NAME_THRESHOLD", 0.8),
			MaxResults:    getEnvInt("VECTOR_MAX_RESULTS", 15),
			SearchTimeout: getEnvDuration("VECTOR_SEARCH_TIMEOUT", 10*time.Second),
		},
		LLM: LLMConfig{
			BaseURL:          getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
			Model:            getEnv("LLM_MODEL", "gpt-4o-mini"),
			APIKey:           getEnv("OPENAI_API_KEY", ""),
			Temperature:      getEnvFloat("LLM_TEMPERATURE", 0.3),
			MaxOutputTokens:  getEnvInt("LLM_MAX_OUTPUT_TOKENS", 2000),
			MaxContextTokens: getEnvInt("LLM_MAX_CONTEXT_TOKENS", 4000),
			Timeout:          getEnvDuration("LLM_TIMEOUT", 45*time.Second),
			RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
		},
		KurrentDB: KurrentDBConfig{
			Enabled:  getEnvBool("KURRENTDB_ENABLED", false),
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		HIS: HISConfig{
			Enabled:      getEnvBool("HIS_ENABLED", false),
			Host:         getEnv("HIS_HOST", "localhost"),
			Port:         getEnvInt("HIS_PORT", 1433),
			User:         getEnv("HIS_USER", ""),
			Password:     getEnv("HIS_PASSWORD", ""),
			Database:     getEnv("HIS_DATABASE", "hospital"),
			PollInterval: getEnvDuration("HIS_POLL_INTERVAL", 5*time.Minute),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
