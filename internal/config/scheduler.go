package config

import (
	"strings"

	"github.com/spf13/viper"
)

// SchedulerConfig holds configuration for the refund scheduler process.
type SchedulerConfig struct {
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	RefundServiceURL            string `mapstructure:"REFUND_SERVICE_URL"`
	InternalAPIKey              string `mapstructure:"INTERNAL_API_KEY"`
	ExpirySweepSchedule         string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	SettlementReconcileSchedule string `mapstructure:"SETTLEMENT_RECONCILE_SCHEDULE"`
	ReconcileStaleMinutes       int    `mapstructure:"RECONCILE_STALE_MINUTES"`
	ReconcileBatchLimit         int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
}

// LoadSchedulerConfig reads scheduler configuration from environment variables.
func LoadSchedulerConfig() (*SchedulerConfig, error) {
	viper.SetDefault("REFUND_SERVICE_URL", "http://localhost:8085")
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "0 3 * * *")           // Daily at 03:00.
	viper.SetDefault("SETTLEMENT_RECONCILE_SCHEDULE", "*/15 * * * *") // Every 15 minutes.
	viper.SetDefault("RECONCILE_STALE_MINUTES", 10)
	viper.SetDefault("RECONCILE_BATCH_LIMIT", 50)
	viper.AutomaticEnv()

	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REFUND_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REFUND_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("SETTLEMENT_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_STALE_MINUTES")
	_ = viper.BindEnv("RECONCILE_BATCH_LIMIT")

	var config SchedulerConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.RefundServiceURL = strings.TrimRight(strings.TrimSpace(config.RefundServiceURL), "/")
	if config.ReconcileStaleMinutes <= 0 {
		config.ReconcileStaleMinutes = 10
	}
	if config.ReconcileBatchLimit <= 0 {
		config.ReconcileBatchLimit = 50
	}
	return &config, nil
}
