// Package config содержит логику чтения конфигурации сервиса начисления кредитов.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/mmeshcher/creditledger/internal/model"
)

// DefaultPriceTable - пакеты кредитов, доступные у всех провайдеров по умолчанию.
const DefaultPriceTable = "wallet:pack_120:1990:120,wallet:pack_350:4990:350,wallet:pack_800:9990:800," +
	"card:pack_120:1990:120,card:pack_350:4990:350,card:pack_800:9990:800," +
	"sponsor:pack_120:1990:120,sponsor:pack_350:4990:350,sponsor:pack_800:9990:800"

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS" validate:"required"`
	DatabaseURI       string `env:"DATABASE_URI"`
	SponsorAPIAddress string `env:"SPONSOR_API_ADDRESS"`

	SessionSecret  string `env:"SESSION_SECRET"`
	InternalSecret string `env:"INTERNAL_SECRET"`
	RemarkSecret   string `env:"REMARK_SECRET"`

	WalletPublicKey         string `env:"WALLET_PUBLIC_KEY"`
	WalletPublicKeyFromFile string `env:"WALLET_PUBLIC_KEY_FILE,file"`
	WalletAppID             string `env:"WALLET_APP_ID"`

	CardWebhookSecret      string        `env:"CARD_WEBHOOK_SECRET"`
	CardSignatureTolerance time.Duration `env:"CARD_SIGNATURE_TOLERANCE" envDefault:"5m" validate:"gt=0"`
	CardCurrency           string        `env:"CARD_CURRENCY" envDefault:"usd" validate:"required,len=3"`

	SponsorWebhookToken string `env:"SPONSOR_WEBHOOK_TOKEN"`
	SponsorAPIToken     string `env:"SPONSOR_API_TOKEN"`

	PriceTableRaw string             `env:"PRICE_TABLE"`
	PriceTable    []model.PricePoint `validate:"required,min=1,dive"`

	AmountEpsilonMinor int64         `env:"AMOUNT_EPSILON_MINOR" envDefault:"1" validate:"gte=0,lte=100"`
	FallbackWindow     time.Duration `env:"FALLBACK_WINDOW" envDefault:"30m" validate:"gt=0"`
	PendingExpiry      time.Duration `env:"PENDING_EXPIRY" envDefault:"24h" validate:"gt=0"`
	PaidGrace          time.Duration `env:"PAID_GRACE" envDefault:"5m" validate:"gt=0"`

	SchedulerEnabled    bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	RetryInterval       time.Duration `env:"RETRY_INTERVAL" envDefault:"1h" validate:"gt=0"`
	ExpireInterval      time.Duration `env:"EXPIRE_INTERVAL" envDefault:"24h" validate:"gt=0"`
	RecoveryBatch       int           `env:"RECOVERY_BATCH" envDefault:"100" validate:"gt=0"`
	RecoveryConcurrency int           `env:"RECOVERY_CONCURRENCY" envDefault:"4" validate:"gt=0"`

	StalePendingAfter time.Duration `env:"STALE_PENDING_AFTER" envDefault:"1h" validate:"gt=0"`
	HealthWindow      time.Duration `env:"HEALTH_WINDOW" envDefault:"24h" validate:"gt=0"`
}

// WalletKey возвращает открытый ключ провайдера wallet из переменной или файла.
func (c *Config) WalletKey() string {
	if c.WalletPublicKey != "" {
		return c.WalletPublicKey
	}
	return c.WalletPublicKeyFromFile
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envSponsorAddress := cfg.SponsorAPIAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SponsorAPIAddress, "r", "", "sponsor provider API address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSponsorAddress != "" {
		cfg.SponsorAPIAddress = envSponsorAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.PriceTableRaw == "" {
		cfg.PriceTableRaw = DefaultPriceTable
	}

	table, err := ParsePriceTable(cfg.PriceTableRaw)
	if err != nil {
		return nil, err
	}
	cfg.PriceTable = table

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// ParsePriceTable разбирает строку вида provider:package:amount:credits,...
func ParsePriceTable(raw string) ([]model.PricePoint, error) {
	var table []model.PricePoint
	seen := make(map[string]struct{})

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("price table entry %q: want provider:package:amount:credits", entry)
		}

		provider := model.Provider(parts[0])
		if !provider.IsValid() {
			return nil, fmt.Errorf("price table entry %q: unknown provider", entry)
		}

		amount, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("price table entry %q: invalid amount", entry)
		}

		credits, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil || credits <= 0 {
			return nil, fmt.Errorf("price table entry %q: invalid credits", entry)
		}

		key := parts[0] + ":" + parts[1]
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("price table entry %q: duplicate package", entry)
		}
		seen[key] = struct{}{}

		table = append(table, model.PricePoint{
			Provider:    provider,
			PackageID:   parts[1],
			AmountMinor: amount,
			Credits:     credits,
		})
	}

	return table, nil
}
