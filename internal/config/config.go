/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables (with an
 * optional .env file), providing a centralized and straightforward way to
 * manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-cdc-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	CDCExchange           string `mapstructure:"CDC_EXCHANGE"`
	CDCQueue              string `mapstructure:"CDC_QUEUE"`
	CDCDeadLetterExchange string `mapstructure:"CDC_DEAD_LETTER_EXCHANGE"`
	DedupKeyPrefix        string `mapstructure:"DEDUP_KEY_PREFIX"`
	DedupTTLMinutes       int    `mapstructure:"DEDUP_TTL_MINUTES"`
	WorkerPoolSize        int    `mapstructure:"WORKER_POOL_SIZE"`
	PrefetchCount         int    `mapstructure:"PREFETCH_COUNT"`
	MaxDeliveryAttempts   int    `mapstructure:"MAX_DELIVERY_ATTEMPTS"`
	RetryBackoffBaseMS    int    `mapstructure:"RETRY_BACKOFF_BASE_MS"`
	RetryBackoffMaxMS     int    `mapstructure:"RETRY_BACKOFF_MAX_MS"`
	HandlerTimeoutSeconds int    `mapstructure:"HANDLER_TIMEOUT_SECONDS"`
	ParkedMaxAgeMinutes   int    `mapstructure:"PARKED_MAX_AGE_MINUTES"`
	ParkedBatchSize       int    `mapstructure:"PARKED_BATCH_SIZE"`
	ReconcileSchedule     string `mapstructure:"RECONCILE_SCHEDULE"`
	PendingExpirySchedule string `mapstructure:"PENDING_EXPIRY_SCHEDULE"`
	ShutdownTimeoutSecs   int    `mapstructure:"SHUTDOWN_TIMEOUT_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("CDC_EXCHANGE", "ledger.cdc")
	viper.SetDefault("CDC_QUEUE", "ledger_cdc_service.transfer_events")
	viper.SetDefault("CDC_DEAD_LETTER_EXCHANGE", "ledger.cdc.dlx")
	viper.SetDefault("DEDUP_KEY_PREFIX", "ledger_cdc:processed")
	viper.SetDefault("DEDUP_TTL_MINUTES", 1440)
	viper.SetDefault("WORKER_POOL_SIZE", 8)
	viper.SetDefault("PREFETCH_COUNT", 64)
	viper.SetDefault("MAX_DELIVERY_ATTEMPTS", 5)
	viper.SetDefault("RETRY_BACKOFF_BASE_MS", 200)
	viper.SetDefault("RETRY_BACKOFF_MAX_MS", 30000)
	viper.SetDefault("HANDLER_TIMEOUT_SECONDS", 15)
	viper.SetDefault("PARKED_MAX_AGE_MINUTES", 15)
	viper.SetDefault("PARKED_BATCH_SIZE", 100)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 30s")
	viper.SetDefault("PENDING_EXPIRY_SCHEDULE", "@every 1m")
	viper.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 25)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("CDC_EXCHANGE")
	_ = viper.BindEnv("CDC_QUEUE")
	_ = viper.BindEnv("CDC_DEAD_LETTER_EXCHANGE")
	_ = viper.BindEnv("DEDUP_KEY_PREFIX")
	_ = viper.BindEnv("DEDUP_TTL_MINUTES")
	_ = viper.BindEnv("WORKER_POOL_SIZE")
	_ = viper.BindEnv("PREFETCH_COUNT")
	_ = viper.BindEnv("MAX_DELIVERY_ATTEMPTS")
	_ = viper.BindEnv("RETRY_BACKOFF_BASE_MS")
	_ = viper.BindEnv("RETRY_BACKOFF_MAX_MS")
	_ = viper.BindEnv("HANDLER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PARKED_MAX_AGE_MINUTES")
	_ = viper.BindEnv("PARKED_BATCH_SIZE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("PENDING_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("SHUTDOWN_TIMEOUT_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)

	// Clamp numeric settings to sane bounds; a zero or negative value would
	// stall the pipeline.
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 8
	}
	if config.WorkerPoolSize > 256 {
		log.Printf("level=warn component=config msg=\"worker pool too large; capping\" requested=%d cap=256", config.WorkerPoolSize)
		config.WorkerPoolSize = 256
	}
	if config.PrefetchCount <= 0 {
		config.PrefetchCount = 64
	}
	if config.MaxDeliveryAttempts <= 0 {
		config.MaxDeliveryAttempts = 5
	}
	if config.RetryBackoffBaseMS <= 0 {
		config.RetryBackoffBaseMS = 200
	}
	if config.RetryBackoffMaxMS < config.RetryBackoffBaseMS {
		config.RetryBackoffMaxMS = config.RetryBackoffBaseMS
	}
	if config.HandlerTimeoutSeconds <= 0 {
		config.HandlerTimeoutSeconds = 15
	}
	if config.ParkedMaxAgeMinutes <= 0 {
		config.ParkedMaxAgeMinutes = 15
	}
	if config.ParkedBatchSize <= 0 {
		config.ParkedBatchSize = 100
	}
	if config.DedupTTLMinutes <= 0 {
		config.DedupTTLMinutes = 1440
	}
	if config.ShutdownTimeoutSecs <= 0 {
		config.ShutdownTimeoutSecs = 25
	}

	return
}
