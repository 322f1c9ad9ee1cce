package main

import (
	"fmt"

	"github.com/testlens-io/sidecar/internal/config"
)

// Config holds the migration tool settings.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the name of the table tracking applied migrations.
	MigrationTable string
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("SIDECAR_DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("SIDECAR_MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("SIDECAR_DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("SIDECAR_MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String returns a representation safe for logging.
func (c *Config) String() string {
	masked := config.DatabaseConfig{URL: c.DatabaseURL}.MaskDatabaseURL()

	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}", masked, c.MigrationTable)
}
