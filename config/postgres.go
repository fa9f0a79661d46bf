package config

import (
	"fmt"
	"os"
	"sync"
)

var (
	postgresOnce   sync.Once
	postgresConfig *PostgresConfig
)

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func GetPostgresConfig() *PostgresConfig {
	postgresOnce.Do(func() {
		loadEnv()

		postgresConfig = &PostgresConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			Database: getEnv("POSTGRES_DB", "bookvault"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		}
	})
	return postgresConfig
}

// DSN 拼接 pgx 连接串
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}
