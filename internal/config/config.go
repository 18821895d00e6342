// Package config содержит логику чтения конфигурации сервиса привлечения инвестиций.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/raise-allocation/internal/allocation"
	"github.com/mmeshcher/raise-allocation/internal/validation"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress            string        `env:"RUN_ADDRESS"`
	DatabaseURI           string        `env:"DATABASE_URI"`
	PaymentGatewayAddress string        `env:"PAYMENT_GATEWAY_ADDRESS"`
	PaymentGatewayKey     string        `env:"PAYMENT_GATEWAY_KEY"`
	VerificationAddress   string        `env:"VERIFICATION_ADDRESS"`
	VerificationKey       string        `env:"VERIFICATION_KEY"`
	VerificationCacheTTL  time.Duration `env:"VERIFICATION_CACHE_TTL" envDefault:"10m"`
	RedisURL              string        `env:"REDIS_URL"`
	KafkaBrokers          []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaAllocationTopic  string        `env:"KAFKA_ALLOCATION_TOPIC" envDefault:"raise.allocations"`
	KafkaGroupID          string        `env:"KAFKA_GROUP_ID" envDefault:"raise-allocator"`
	JWTSecret             string        `env:"JWT_SECRET"`
	WebhookSecret         string        `env:"WEBHOOK_SECRET"`
	SettingsFile          string        `env:"SETTINGS_FILE"`
	ExpirationSweepCron   string        `env:"EXPIRATION_SWEEP_CRON" envDefault:"0 */5 * * * *"`
	ReconcileCron         string        `env:"RECONCILE_CRON" envDefault:"30 */10 * * * *"`

	Settings Settings
}

// Settings настройки движка распределения и жизненного цикла, читаемые из YAML-файла.
type Settings struct {
	Allocation allocation.Config `yaml:"allocation"`
	Limits     validation.Limits `yaml:"limits"`
	Lifecycle  Lifecycle         `yaml:"lifecycle"`
}

// Lifecycle настройки приёма вложений и распределения.
type Lifecycle struct {
	ClipToRemaining bool          `yaml:"clip_to_remaining" env:"CLIP_TO_REMAINING"`
	AllocationDelay time.Duration `yaml:"allocation_delay" env:"ALLOCATION_DELAY"`
}

// DefaultSettings возвращает настройки по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		Allocation: allocation.DefaultConfig(),
		Limits:     validation.DefaultLimits(),
		Lifecycle: Lifecycle{
			ClipToRemaining: true,
			AllocationDelay: 5 * time.Second,
		},
	}
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPaymentAddress := cfg.PaymentGatewayAddress
	envVerificationAddress := cfg.VerificationAddress
	envSettingsFile := cfg.SettingsFile

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PaymentGatewayAddress, "p", "", "payment gateway address")
	flag.StringVar(&cfg.VerificationAddress, "v", "", "verification service address")
	flag.StringVar(&cfg.SettingsFile, "c", "", "path to YAML settings file")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPaymentAddress != "" {
		cfg.PaymentGatewayAddress = envPaymentAddress
	}
	if envVerificationAddress != "" {
		cfg.VerificationAddress = envVerificationAddress
	}
	if envSettingsFile != "" {
		cfg.SettingsFile = envSettingsFile
	}

	if err := cfg.loadSettings(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv считывает конфигурацию только из окружения, без флагов командной строки.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.loadSettings(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadSettings() error {
	if c.RunAddress == "" {
		c.RunAddress = defaultRunAddress
	}

	settings, err := LoadSettings(c.SettingsFile)
	if err != nil {
		return err
	}
	if err := env.Parse(&settings); err != nil {
		return fmt.Errorf("parse settings env: %w", err)
	}
	c.Settings = settings
	return nil
}

// LoadSettings читает настройки из YAML-файла поверх значений по умолчанию.
// Пустой путь возвращает настройки по умолчанию.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&settings); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return settings, nil
}

// Validate проверяет обязательные параметры и настройки движка распределения.
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.PaymentGatewayAddress == "" {
		errs = append(errs, errors.New("payment gateway address is required"))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required"))
	}
	if c.VerificationCacheTTL <= 0 {
		errs = append(errs, errors.New("VERIFICATION_CACHE_TTL must be positive"))
	}
	if len(c.KafkaBrokers) > 0 && (c.KafkaAllocationTopic == "" || c.KafkaGroupID == "") {
		errs = append(errs, errors.New("kafka topic and group id are required when brokers are set"))
	}
	for _, msg := range allocation.ValidateConfig(c.Settings.Allocation) {
		errs = append(errs, errors.New(msg))
	}
	if err := c.Settings.Limits.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Settings.Lifecycle.AllocationDelay < 0 {
		errs = append(errs, errors.New("allocation delay must not be negative"))
	}

	return errors.Join(errs...)
}
