/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, then normalizes the values the rest of the service relies on.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: monetary thresholds and prices.
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the databundle-service.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix    string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	GatewayEventQueue       string `mapstructure:"GATEWAY_EVENT_QUEUE"`
	PaystackBaseURL         string `mapstructure:"PAYSTACK_BASE_URL"`
	PaystackSecretKey       string `mapstructure:"PAYSTACK_SECRET_KEY"`
	PaystackCallbackURL     string `mapstructure:"PAYSTACK_CALLBACK_URL"`
	ResellerBaseURL         string `mapstructure:"RESELLER_BASE_URL"`
	ResellerAPIKey          string `mapstructure:"RESELLER_API_KEY"`
	UpstreamTimeoutSeconds  int    `mapstructure:"UPSTREAM_TIMEOUT_SECONDS"`
	JWTSecret               string `mapstructure:"JWT_SECRET"`
	JWTIssuer               string `mapstructure:"JWT_ISSUER"`
	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	OrderRateLimitPerMinute int    `mapstructure:"ORDER_RATE_LIMIT_PER_MINUTE"`
	DepositRateLimitPerMin  int    `mapstructure:"DEPOSIT_RATE_LIMIT_PER_MINUTE"`
	MinDepositAmountRaw     string `mapstructure:"MIN_DEPOSIT_AMOUNT"`
	MinWithdrawalAmountRaw  string `mapstructure:"MIN_WITHDRAWAL_AMOUNT"`
	AFARegistrationPriceRaw string `mapstructure:"AFA_REGISTRATION_PRICE"`
	AFAUpstreamCostRaw      string `mapstructure:"AFA_UPSTREAM_COST"`
	OrderReconcileAfterMin  int    `mapstructure:"ORDER_RECONCILE_AFTER_MINUTES"`
	OrderMaxReconcileTries  int    `mapstructure:"ORDER_MAX_RECONCILE_ATTEMPTS"`
	OrderReconcileSchedule  string `mapstructure:"ORDER_RECONCILE_SCHEDULE"`
	WithdrawalPollSchedule  string `mapstructure:"WITHDRAWAL_POLL_SCHEDULE"`
	WeeklyProfitSchedule    string `mapstructure:"WEEKLY_PROFIT_REFRESH_SCHEDULE"`
	LogLevel                string `mapstructure:"LOG_LEVEL"`
	Currency                string `mapstructure:"CURRENCY"`

	MinDepositAmount     decimal.Decimal `mapstructure:"-"`
	MinWithdrawalAmount  decimal.Decimal `mapstructure:"-"`
	AFARegistrationPrice decimal.Decimal `mapstructure:"-"`
	AFAUpstreamCost      decimal.Decimal `mapstructure:"-"`
}

// UpstreamTimeout is the bound applied to reseller and gateway calls.
func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

// OrderReconcileAfter is how long an order may sit in processing before the
// reconciler picks it up.
func (c Config) OrderReconcileAfter() time.Duration {
	return time.Duration(c.OrderReconcileAfterMin) * time.Minute
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "databundle:rate_limit")
	viper.SetDefault("GATEWAY_EVENT_QUEUE", "databundle_service.gateway_events")
	viper.SetDefault("PAYSTACK_BASE_URL", "https://api.paystack.co")
	viper.SetDefault("UPSTREAM_TIMEOUT_SECONDS", 30)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("ORDER_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("DEPOSIT_RATE_LIMIT_PER_MINUTE", 5)
	viper.SetDefault("MIN_DEPOSIT_AMOUNT", "1")
	viper.SetDefault("MIN_WITHDRAWAL_AMOUNT", "10")
	viper.SetDefault("AFA_REGISTRATION_PRICE", "10")
	viper.SetDefault("AFA_UPSTREAM_COST", "0")
	viper.SetDefault("ORDER_RECONCILE_AFTER_MINUTES", 10)
	viper.SetDefault("ORDER_MAX_RECONCILE_ATTEMPTS", 5)
	viper.SetDefault("ORDER_RECONCILE_SCHEDULE", "@every 5m")
	viper.SetDefault("WITHDRAWAL_POLL_SCHEDULE", "@every 10m")
	viper.SetDefault("WEEKLY_PROFIT_REFRESH_SCHEDULE", "0 1 * * MON")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("CURRENCY", "GHS")

	for _, key := range []string{
		"SERVER_PORT", "DATABASE_URL", "REDIS_URL", "REDIS_RATE_LIMIT_PREFIX", "RABBITMQ_URL",
		"GATEWAY_EVENT_QUEUE", "PAYSTACK_BASE_URL", "PAYSTACK_CALLBACK_URL",
		"RESELLER_BASE_URL", "RESELLER_API_KEY", "UPSTREAM_TIMEOUT_SECONDS", "JWT_ISSUER",
		"CORS_ALLOWED_ORIGINS", "ORDER_RATE_LIMIT_PER_MINUTE", "DEPOSIT_RATE_LIMIT_PER_MINUTE",
		"MIN_DEPOSIT_AMOUNT", "MIN_WITHDRAWAL_AMOUNT", "AFA_REGISTRATION_PRICE", "AFA_UPSTREAM_COST",
		"ORDER_RECONCILE_AFTER_MINUTES", "ORDER_MAX_RECONCILE_ATTEMPTS", "ORDER_RECONCILE_SCHEDULE",
		"WITHDRAWAL_POLL_SCHEDULE", "WEEKLY_PROFIT_REFRESH_SCHEDULE", "LOG_LEVEL", "CURRENCY",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PAYSTACK_SECRET_KEY", "PAYSTACK_SECRET_KEY", "PAYSTACK_SECRET")
	_ = viper.BindEnv("JWT_SECRET", "JWT_SECRET", "AUTH_JWT_SECRET")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "config: failed to read config file; using environment values: %v\n", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "databundle:rate_limit"
	}
	config.PaystackSecretKey = strings.TrimSpace(config.PaystackSecretKey)
	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = "GHS"
	}

	if config.UpstreamTimeoutSeconds <= 0 {
		config.UpstreamTimeoutSeconds = 30
	}
	if config.OrderRateLimitPerMinute < 0 {
		config.OrderRateLimitPerMinute = 0
	}
	if config.DepositRateLimitPerMin < 0 {
		config.DepositRateLimitPerMin = 0
	}
	if config.OrderReconcileAfterMin <= 0 {
		config.OrderReconcileAfterMin = 10
	}
	if config.OrderMaxReconcileTries <= 0 {
		config.OrderMaxReconcileTries = 5
	}

	if config.MinDepositAmount, err = parseAmount("MIN_DEPOSIT_AMOUNT", config.MinDepositAmountRaw, "1"); err != nil {
		return
	}
	if config.MinWithdrawalAmount, err = parseAmount("MIN_WITHDRAWAL_AMOUNT", config.MinWithdrawalAmountRaw, "10"); err != nil {
		return
	}
	if config.AFARegistrationPrice, err = parseAmount("AFA_REGISTRATION_PRICE", config.AFARegistrationPriceRaw, "10"); err != nil {
		return
	}
	if config.AFAUpstreamCost, err = parseAmount("AFA_UPSTREAM_COST", config.AFAUpstreamCostRaw, "0"); err != nil {
		return
	}
	if !config.AFARegistrationPrice.IsPositive() {
		err = fmt.Errorf("AFA_REGISTRATION_PRICE must be positive, got %s", config.AFARegistrationPrice)
		return
	}

	return
}

func parseAmount(key, raw, fallback string) (decimal.Decimal, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = fallback
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative, got %s", key, amount)
	}
	return amount, nil
}
