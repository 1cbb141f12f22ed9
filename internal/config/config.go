package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development" validate:"oneof=development production test"`
	Port        string `env:"PORT" envDefault:"8080"`

	DatabaseURL    string `env:"DATABASE_URL,required" validate:"required"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	CacheProvider         string `env:"CACHE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=CacheProvider redis"`

	EncryptionKey string `env:"ENCRYPTION_KEY,required" validate:"required,len=32"`
	JWTSecret     string `env:"JWT_SECRET,required" validate:"required,min=32"`

	PaymentProvider      string        `env:"PAYMENT_PROVIDER" envDefault:"sandbox" validate:"oneof=stripe sandbox"`
	PaymentSigningSecret string        `env:"PAYMENT_SIGNING_SECRET,required" validate:"required"`
	PaymentWebhookSecret string        `env:"PAYMENT_WEBHOOK_SECRET,required" validate:"required"`
	GatewayTimeout       time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	StripeSecretKey      string        `env:"STRIPE_SECRET_KEY" validate:"required_if=PaymentProvider stripe"`
	StripeWebhookSecret  string        `env:"STRIPE_WEBHOOK_SECRET" validate:"required_if=PaymentProvider stripe"`

	Currency              string `env:"CURRENCY" envDefault:"INR" validate:"len=3"`
	TaxRate               string `env:"TAX_RATE" envDefault:"0.18"`
	FreeShippingThreshold string `env:"FREE_SHIPPING_THRESHOLD" envDefault:"5000"`
	FlatShippingFee       string `env:"FLAT_SHIPPING_FEE" envDefault:"250"`
	PricingRulesPath      string `env:"PRICING_RULES_PATH"`

	PendingOrderTTL time.Duration `env:"PENDING_ORDER_TTL" envDefault:"30m" validate:"gt=0"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m" validate:"gt=0"`
	SweepBatchSize  int           `env:"SWEEP_BATCH_SIZE" envDefault:"50" validate:"gt=0"`

	NotifyWorkers   int    `env:"NOTIFY_WORKERS" envDefault:"2" validate:"gt=0"`
	NotifyQueueSize int    `env:"NOTIFY_QUEUE_SIZE" envDefault:"256" validate:"gt=0"`
	EmailProvider   string `env:"EMAIL_PROVIDER" envDefault:"log" validate:"oneof=log resend"`
	EmailAPIKey     string `env:"EMAIL_API_KEY" validate:"required_if=EmailProvider resend"`
	EmailFrom       string `env:"EMAIL_FROM" validate:"omitempty,email"`
	ShopName        string `env:"SHOP_NAME" envDefault:"Checkout"`
	ShopURL         string `env:"SHOP_URL" validate:"omitempty,url"`

	SentryDSN string     `env:"SENTRY_DSN"`
	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	for name, value := range map[string]string{
		"TAX_RATE":                c.TaxRate,
		"FREE_SHIPPING_THRESHOLD": c.FreeShippingThreshold,
		"FLAT_SHIPPING_FEE":       c.FlatShippingFee,
	} {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return fmt.Errorf("%s must be a decimal: %w", name, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.IsProduction() && c.PaymentProvider == "sandbox" {
		return fmt.Errorf("PAYMENT_PROVIDER=sandbox is not allowed in production")
	}

	return nil
}
