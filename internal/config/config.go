// Package config loads server configuration from an optional YAML file and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration. Command-line flags override it in cmd/server.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Locks      LockConfig        `yaml:"locks"`
	Governance GovernanceConfig  `yaml:"governance"`
	Workers    WorkersConfig     `yaml:"workers"`
	Retention  []RetentionConfig `yaml:"retention_policies"`
	Directory  DirectoryConfig   `yaml:"directory"`
}

// ServerConfig describes the gRPC listener and backing storage.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	DSN             string        `yaml:"dsn"`
	Storage         string        `yaml:"storage"`
	JWTKey          string        `yaml:"jwt_key"`
	TLSCert         string        `yaml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key"`
	Dev             bool          `yaml:"dev"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
}

// LockConfig bounds checkout durations.
type LockConfig struct {
	DefaultDuration time.Duration `yaml:"default_duration"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	// ConflictNoticeWindow suppresses repeated lock_conflict notices for the same holder and requester. 0 disables it.
	ConflictNoticeWindow time.Duration `yaml:"conflict_notice_window"`
}

// GovernanceConfig lists the roles allowed to manage workflow definitions.
type GovernanceConfig struct {
	AdminRoles []string `yaml:"admin_roles"`
}

// WorkersConfig tunes the outbox dispatcher and the overdue scanner.
type WorkersConfig struct {
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	DispatchBatch    int           `yaml:"dispatch_batch"`
	OverdueInterval  time.Duration `yaml:"overdue_interval"`
	OverdueBatch     int           `yaml:"overdue_batch"`
}

// RetentionConfig is one entry of the retention policy catalogue.
type RetentionConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	RetainDays  int    `yaml:"retain_days"`
	FromApplied bool   `yaml:"from_applied"`
}

// DirectoryConfig seeds the directory on start; with postgres storage it is upserted into the org tables.
type DirectoryConfig struct {
	Users       []DirectoryUser       `yaml:"users"`
	Departments []DirectoryDepartment `yaml:"departments"`
}

// DirectoryUser is a seeded user.
type DirectoryUser struct {
	ID           uuid.UUID  `yaml:"id"`
	CompanyID    uuid.UUID  `yaml:"company_id"`
	DepartmentID *uuid.UUID `yaml:"department_id"`
	ManagerID    *uuid.UUID `yaml:"manager_id"`
	Roles        []string   `yaml:"roles"`
	Inactive     bool       `yaml:"inactive"`
}

// DirectoryDepartment is a seeded department.
type DirectoryDepartment struct {
	ID         uuid.UUID  `yaml:"id"`
	CompanyID  uuid.UUID  `yaml:"company_id"`
	Name       string     `yaml:"name"`
	HeadUserID *uuid.UUID `yaml:"head_user_id"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8443",
			Storage:         "postgres",
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
			TokenTTL:        12 * time.Hour,
		},
		Locks: LockConfig{
			DefaultDuration:      24 * time.Hour,
			MaxDuration:          7 * 24 * time.Hour,
			ConflictNoticeWindow: 15 * time.Minute,
		},
		Governance: GovernanceConfig{
			AdminRoles: []string{"admin"},
		},
		Workers: WorkersConfig{
			DispatchInterval: 2 * time.Second,
			DispatchBatch:    100,
			OverdueInterval:  time.Minute,
			OverdueBatch:     100,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies DOCGOV_* environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and catalogue consistency.
func (c *Config) Validate() error {
	var errs []string

	switch c.Server.Storage {
	case "postgres", "memory":
	default:
		errs = append(errs, "server.storage must be postgres or memory")
	}
	if c.Locks.DefaultDuration <= 0 {
		errs = append(errs, "locks.default_duration must be positive")
	}
	if c.Locks.MaxDuration < c.Locks.DefaultDuration {
		errs = append(errs, "locks.max_duration must not be below locks.default_duration")
	}
	if c.Locks.ConflictNoticeWindow < 0 {
		errs = append(errs, "locks.conflict_notice_window must not be negative")
	}
	if c.Server.TokenTTL <= 0 {
		errs = append(errs, "server.token_ttl must be positive")
	}
	if c.Workers.DispatchInterval <= 0 || c.Workers.OverdueInterval <= 0 {
		errs = append(errs, "workers intervals must be positive")
	}
	if c.Workers.DispatchBatch <= 0 || c.Workers.OverdueBatch <= 0 {
		errs = append(errs, "workers batch sizes must be positive")
	}

	seen := map[string]bool{}
	for i, p := range c.Retention {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("retention_policies[%d].id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("retention_policies[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if p.RetainDays <= 0 {
			errs = append(errs, fmt.Sprintf("retention_policies[%d].retain_days must be positive", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// RetentionCatalog returns the configured policies keyed by ID.
func (c *Config) RetentionCatalog() map[string]model.RetentionPolicy {
	out := make(map[string]model.RetentionPolicy, len(c.Retention))
	for _, p := range c.Retention {
		out[p.ID] = model.RetentionPolicy{
			ID:          p.ID,
			Name:        p.Name,
			RetainFor:   time.Duration(p.RetainDays) * 24 * time.Hour,
			FromApplied: p.FromApplied,
		}
	}
	return out
}

// applyEnvOverrides reads DOCGOV_* environment variables. Secrets usually come from here.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOCGOV_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DOCGOV_DSN"); v != "" {
		cfg.Server.DSN = v
	}
	if v := os.Getenv("DOCGOV_JWT_KEY"); v != "" {
		cfg.Server.JWTKey = v
	}
	if v := os.Getenv("DOCGOV_STORAGE"); v != "" {
		cfg.Server.Storage = v
	}
	if v := os.Getenv("DOCGOV_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
}
