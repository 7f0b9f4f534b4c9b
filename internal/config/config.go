// Package config содержит логику чтения конфигурации движка бронирований.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	GatewayAddress string `env:"GATEWAY_ADDRESS"`
	GatewayAPIKey  string `env:"GATEWAY_API_KEY"`
	JobTriggerKey  string `env:"JOB_TRIGGER_KEY"`
	BankCode       string `env:"BANK_CODE"`
	BankAccount    string `env:"BANK_ACCOUNT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress
	envGatewayAPIKey := cfg.GatewayAPIKey
	envJobTriggerKey := cfg.JobTriggerKey
	envBankCode := cfg.BankCode
	envBankAccount := cfg.BankAccount

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.GatewayAPIKey, "k", "", "payment gateway API key")
	flag.StringVar(&cfg.JobTriggerKey, "j", "", "job trigger key")
	flag.StringVar(&cfg.BankCode, "bank-code", "", "platform bank code for QR payload")
	flag.StringVar(&cfg.BankAccount, "bank-account", "", "platform bank account for QR payload")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}
	if envGatewayAPIKey != "" {
		cfg.GatewayAPIKey = envGatewayAPIKey
	}
	if envJobTriggerKey != "" {
		cfg.JobTriggerKey = envJobTriggerKey
	}
	if envBankCode != "" {
		cfg.BankCode = envBankCode
	}
	if envBankAccount != "" {
		cfg.BankAccount = envBankAccount
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
