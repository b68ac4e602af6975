package config

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr      string `env:"GATEHOUSE_LISTEN_ADDR" envDefault:":8080"`
	DBURL           string `env:"GATEHOUSE_DB_URL"`
	AdminToken      string `env:"GATEHOUSE_ADMIN_TOKEN"`
	Cap             int    `env:"GATEHOUSE_CAP" envDefault:"100"`
	PublicAdmission bool   `env:"GATEHOUSE_PUBLIC_ADMISSION" envDefault:"false"`
	TLSCertPath     string `env:"GATEHOUSE_TLS_CERT"`
	TLSKeyPath      string `env:"GATEHOUSE_TLS_KEY"`
	MasterKeyB64    string `env:"GATEHOUSE_MASTER_KEY"`

	// WeeklyAdmissions is the rate used for public wait estimates. Zero
	// disables estimates.
	WeeklyAdmissions int `env:"GATEHOUSE_WEEKLY_ADMISSIONS" envDefault:"25"`

	MasterKey []byte `env:"-"`
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.MasterKeyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.MasterKeyB64)
		if err != nil {
			return Config{}, errors.New("master key must be base64")
		}
		cfg.MasterKey = key
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if c.DBURL == "" {
		return errors.New("db url is required")
	}
	if c.AdminToken == "" {
		return errors.New("admin token is required")
	}
	if c.Cap < 0 {
		return errors.New("cap must not be negative")
	}
	if c.WeeklyAdmissions < 0 {
		return errors.New("weekly admissions must not be negative")
	}
	if len(c.MasterKey) != 32 {
		return errors.New("master key must be 32 bytes (base64-encoded)")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	return nil
}
