// Package config loads service configuration from a file and BILLING_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/sammel-billing/billing"
	"github.com/warp/sammel-billing/lock"
)

type Config struct {
	App struct {
		Env string
	} `mapstructure:"app"`

	HTTP struct {
		Addr string
	} `mapstructure:"http"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`

	Store struct {
		Driver string // sqlite | postgres | memory
	} `mapstructure:"store"`

	SQLite struct {
		Path string
	} `mapstructure:"sqlite"`

	Postgres struct {
		DSN string
	} `mapstructure:"postgres"`

	Redis struct {
		Addr     string
		Password string
		DB       int
	} `mapstructure:"redis"`

	Kafka struct {
		Brokers []string
		Topic   string
	} `mapstructure:"kafka"`

	Lock struct {
		TTL            time.Duration `mapstructure:"ttl"`
		RetryCount     int           `mapstructure:"retry_count"`
		RetryDelay     time.Duration `mapstructure:"retry_delay"`
		RetryJitter    time.Duration `mapstructure:"retry_jitter"`
		DriftFactor    float64       `mapstructure:"drift_factor"`
		ExtendInterval time.Duration `mapstructure:"extend_interval"`
	} `mapstructure:"lock"`

	Worker struct {
		Concurrency     int
		MaxRetry        int           `mapstructure:"max_retry"`
		MaxAttempts     int           `mapstructure:"max_attempts"`
		Queue           string
		JobTimeout      time.Duration `mapstructure:"job_timeout"`
		StaleClaimAfter time.Duration `mapstructure:"stale_claim_after"`
	} `mapstructure:"worker"`

	Scheduler struct {
		Enabled  bool
		Interval time.Duration
	} `mapstructure:"scheduler"`

	Billing struct {
		TaxRate  string `mapstructure:"tax_rate"`
		DueDays  int    `mapstructure:"due_days"`
		Currency string
	} `mapstructure:"billing"`

	Ledger struct {
		ClampCorrectionRemainder bool `mapstructure:"clamp_correction_remainder"`
	} `mapstructure:"ledger"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "prod")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("sqlite.path", "./billing.db")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "billing.invoices")

	lo := lock.DefaultOptions()
	v.SetDefault("lock.ttl", lo.TTL)
	v.SetDefault("lock.retry_count", lo.RetryCount)
	v.SetDefault("lock.retry_delay", lo.RetryDelay)
	v.SetDefault("lock.retry_jitter", lo.RetryJitter)
	v.SetDefault("lock.drift_factor", lo.DriftFactor)
	v.SetDefault("lock.extend_interval", lo.ExtendInterval)

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.max_retry", 8)
	v.SetDefault("worker.max_attempts", 25)
	v.SetDefault("worker.queue", "billing")
	v.SetDefault("worker.job_timeout", 10*time.Minute)
	v.SetDefault("worker.stale_claim_after", 15*time.Minute)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("billing.tax_rate", "0")
	v.SetDefault("billing.due_days", 30)
	v.SetDefault("billing.currency", "EUR")
	v.SetDefault("ledger.clamp_correction_remainder", false)
}

// Load reads path (optional) and applies BILLING_* overrides, e.g.
// BILLING_REDIS_ADDR for redis.addr.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return c, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	if _, err := c.Pricing(); err != nil {
		return c, err
	}
	// A running job must never outlive its claims.
	if c.Worker.JobTimeout <= 0 || c.Worker.JobTimeout >= c.Worker.StaleClaimAfter {
		return c, fmt.Errorf("worker.job_timeout %s must be positive and below worker.stale_claim_after %s",
			c.Worker.JobTimeout, c.Worker.StaleClaimAfter)
	}
	return c, nil
}

// Pricing returns the tax and payment terms.
func (c Config) Pricing() (billing.Pricing, error) {
	rate, err := decimal.NewFromString(c.Billing.TaxRate)
	if err != nil {
		return billing.Pricing{}, fmt.Errorf("billing.tax_rate %q: %w", c.Billing.TaxRate, err)
	}
	return billing.Pricing{TaxRate: rate, DueDays: c.Billing.DueDays, Currency: c.Billing.Currency}, nil
}

// LockOptions returns the lock tuning.
func (c Config) LockOptions() lock.Options {
	o := lock.DefaultOptions()
	o.TTL = c.Lock.TTL
	o.RetryCount = c.Lock.RetryCount
	o.RetryDelay = c.Lock.RetryDelay
	o.RetryJitter = c.Lock.RetryJitter
	o.DriftFactor = c.Lock.DriftFactor
	o.ExtendInterval = c.Lock.ExtendInterval
	return o
}
