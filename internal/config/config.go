package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	IMAPServer   string
	IMAPUsername string
	IMAPPassword string
	IMAPUseTLS   bool

	DBHost     string
	DBPort     string
	DBUsername string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// AdminEmail is the administrative (DMARC report) address. Mail whose
	// only address is this one is intentionally left in the inbox.
	AdminEmail string

	// InboxProcessLimit caps how many inbox messages one routing pass
	// handles before reporting itself as maxed out.
	InboxProcessLimit int

	Timezone string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("OFFPOST_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:       env,
		IMAPServer:        os.Getenv("OFFPOST_IMAP_SERVER"),
		IMAPUsername:      os.Getenv("OFFPOST_IMAP_USERNAME"),
		IMAPPassword:      os.Getenv("OFFPOST_IMAP_PASSWORD"),
		IMAPUseTLS:        getEnvOrDefault("OFFPOST_IMAP_TLS", "true") == "true",
		DBHost:            getEnvOrDefault("OFFPOST_DB_HOST", "localhost"),
		DBPort:            getEnvOrDefault("OFFPOST_DB_PORT", "5432"),
		DBUsername:        getEnvOrDefault("OFFPOST_DB_USER", "offpost"),
		DBPassword:        os.Getenv("OFFPOST_DB_PASSWORD"),
		DBName:            getEnvOrDefault("OFFPOST_DB_NAME", "offpost"),
		DBSSLMode:         getEnvOrDefault("OFFPOST_DB_SSLMODE", "disable"),
		AdminEmail:        getEnvOrDefault("OFFPOST_ADMIN_EMAIL", "dmarc@offpost.no"),
		InboxProcessLimit: getEnvIntOrDefault("OFFPOST_INBOX_PROCESS_LIMIT", 100),
		Timezone:          getEnvOrDefault("TZ", "UTC"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.IMAPServer == "" {
		return fmt.Errorf("OFFPOST_IMAP_SERVER is required")
	}

	if c.IMAPUsername == "" {
		return fmt.Errorf("OFFPOST_IMAP_USERNAME is required")
	}

	if c.IMAPPassword == "" {
		return fmt.Errorf("OFFPOST_IMAP_PASSWORD is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("OFFPOST_DB_PASSWORD is required")
	}

	if c.InboxProcessLimit <= 0 {
		return fmt.Errorf("OFFPOST_INBOX_PROCESS_LIMIT must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
