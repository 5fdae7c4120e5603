package config

import (
	"time"

	"github.com/spf13/viper"
)

// Decimals is the fixed-point scale of every stored amount and exchange rate.
const Decimals int64 = 1_000_000

type EngineConfig struct {
	AutoCloseAfter        time.Duration
	BeforeCloseOut        time.Duration
	FraudMaxPending       int
	ConflictRetries       int
	ConflictBackoff       time.Duration
	MaxHoldCount          int
	NeedCheckAutomation   int
	PaymentLinkBaseURL    string
	PaymentLinkTTL        time.Duration
	PriorityAnchor        time.Time
	LowBalanceNotifyLimit time.Duration
}

func setEngineDefaults() {
	viper.SetDefault("engine.auto_close_after", 900*time.Second)
	viper.SetDefault("engine.before_close_out", 600*time.Second)
	viper.SetDefault("engine.fraud_max_pending", 8)
	viper.SetDefault("engine.conflict_retries", 3)
	viper.SetDefault("engine.conflict_backoff", 50*time.Millisecond)
	viper.SetDefault("engine.max_hold_count", 3)
	viper.SetDefault("engine.need_check_automation", 1)
	viper.SetDefault("engine.payment_link_base_url", "http://localhost:8080/payment-link")
	viper.SetDefault("engine.payment_link_ttl", 15*time.Minute)
	viper.SetDefault("engine.low_balance_notify_limit", 10*time.Minute)
}

func LoadEngineConfig() *EngineConfig {
	viper.BindEnv("engine.auto_close_after", "ENGINE_AUTO_CLOSE_AFTER")
	viper.BindEnv("engine.before_close_out", "ENGINE_BEFORE_CLOSE_OUT")
	viper.BindEnv("engine.fraud_max_pending", "ENGINE_FRAUD_MAX_PENDING")
	viper.BindEnv("engine.conflict_retries", "ENGINE_CONFLICT_RETRIES")
	viper.BindEnv("engine.max_hold_count", "ENGINE_MAX_HOLD_COUNT")
	viper.BindEnv("engine.payment_link_base_url", "PAYMENT_LINK_BASE_URL")
	setEngineDefaults()

	return &EngineConfig{
		AutoCloseAfter:        viper.GetDuration("engine.auto_close_after"),
		BeforeCloseOut:        viper.GetDuration("engine.before_close_out"),
		FraudMaxPending:       viper.GetInt("engine.fraud_max_pending"),
		ConflictRetries:       viper.GetInt("engine.conflict_retries"),
		ConflictBackoff:       viper.GetDuration("engine.conflict_backoff"),
		MaxHoldCount:          viper.GetInt("engine.max_hold_count"),
		NeedCheckAutomation:   viper.GetInt("engine.need_check_automation"),
		PaymentLinkBaseURL:    viper.GetString("engine.payment_link_base_url"),
		PaymentLinkTTL:        viper.GetDuration("engine.payment_link_ttl"),
		PriorityAnchor:        time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC),
		LowBalanceNotifyLimit: viper.GetDuration("engine.low_balance_notify_limit"),
	}
}

type WorkerConfig struct {
	Enabled              bool
	AutoCloseInterval    time.Duration
	PendingSweepInterval time.Duration
	VipUnbindInterval    time.Duration
	VipInactivity        time.Duration
	OutboundUnbind       time.Duration
	OutboundInterval     time.Duration
	ExhaustionRetention  time.Duration
	ExhaustionInterval   time.Duration
	CloseStreakThreshold int
	CloseStreakWindow    time.Duration
	CloseStreakInterval  time.Duration
	BalanceAuditInterval time.Duration
	BalanceAuditBatch    int
}

func setWorkerDefaults() {
	viper.SetDefault("workers.enabled", true)
	viper.SetDefault("workers.auto_close_interval", 5*time.Second)
	viper.SetDefault("workers.pending_sweep_interval", time.Minute)
	viper.SetDefault("workers.vip_unbind_interval", 10*time.Minute)
	viper.SetDefault("workers.vip_inactivity", 24*time.Hour)
	viper.SetDefault("workers.outbound_unbind", 30*time.Minute)
	viper.SetDefault("workers.outbound_interval", time.Minute)
	viper.SetDefault("workers.exhaustion_retention", 24*time.Hour)
	viper.SetDefault("workers.exhaustion_interval", 10*time.Minute)
	viper.SetDefault("workers.close_streak_threshold", 5)
	viper.SetDefault("workers.close_streak_window", 12*time.Hour)
	viper.SetDefault("workers.close_streak_interval", 5*time.Minute)
	viper.SetDefault("workers.balance_audit_interval", 15*time.Minute)
	viper.SetDefault("workers.balance_audit_batch", 200)
}

func LoadWorkerConfig() *WorkerConfig {
	viper.BindEnv("workers.enabled", "WORKERS_ENABLED")
	viper.BindEnv("workers.close_streak_threshold", "WORKERS_CLOSE_STREAK_THRESHOLD")
	viper.BindEnv("workers.vip_inactivity", "WORKERS_VIP_INACTIVITY")
	setWorkerDefaults()

	return &WorkerConfig{
		Enabled:              viper.GetBool("workers.enabled"),
		AutoCloseInterval:    viper.GetDuration("workers.auto_close_interval"),
		PendingSweepInterval: viper.GetDuration("workers.pending_sweep_interval"),
		VipUnbindInterval:    viper.GetDuration("workers.vip_unbind_interval"),
		VipInactivity:        viper.GetDuration("workers.vip_inactivity"),
		OutboundUnbind:       viper.GetDuration("workers.outbound_unbind"),
		OutboundInterval:     viper.GetDuration("workers.outbound_interval"),
		ExhaustionRetention:  viper.GetDuration("workers.exhaustion_retention"),
		ExhaustionInterval:   viper.GetDuration("workers.exhaustion_interval"),
		CloseStreakThreshold: viper.GetInt("workers.close_streak_threshold"),
		CloseStreakWindow:    viper.GetDuration("workers.close_streak_window"),
		CloseStreakInterval:  viper.GetDuration("workers.close_streak_interval"),
		BalanceAuditInterval: viper.GetDuration("workers.balance_audit_interval"),
		BalanceAuditBatch:    viper.GetInt("workers.balance_audit_batch"),
	}
}
