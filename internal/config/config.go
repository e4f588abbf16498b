package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	DB     DBConfig     `mapstructure:"db"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Cron   CronConfig   `mapstructure:"cron"`

	Ownership    OwnershipConfig    `mapstructure:"ownership"`
	Guardrail    GuardrailConfig    `mapstructure:"guardrail"`
	OrderMachine OrderMachineConfig `mapstructure:"order_machine"`
	Broker       BrokerConfig       `mapstructure:"broker"`
	Notifier     NotifierConfig     `mapstructure:"notifier"`
	PaaS         PaaSConfig         `mapstructure:"paas"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig guards operator endpoints. An empty secret disables the check.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type CronConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	LockSweep     string `mapstructure:"lock_sweep"`
	ApprovalSweep string `mapstructure:"approval_sweep"`
	AckSweep      string `mapstructure:"ack_sweep"`
	RetrySweep    string `mapstructure:"retry_sweep"`
}

type OwnershipConfig struct {
	AuditSelfActions bool `mapstructure:"audit_self_actions"`
	// ReleaseLapsedAfter > 0 lets the sweeper delete primary rows whose lock
	// expired longer ago than this. Zero keeps them until explicitly released.
	ReleaseLapsedAfter time.Duration `mapstructure:"release_lapsed_after"`
}

type GuardrailConfig struct {
	TotalCapital            float64 `mapstructure:"total_capital"`
	MaxPositionFraction     float64 `mapstructure:"max_position_fraction"`
	WarnPositionFraction    float64 `mapstructure:"warn_position_fraction"`
	MaxDailyTrades          int     `mapstructure:"max_daily_trades"`
	MaxWeeklyTrades         int     `mapstructure:"max_weekly_trades"`
	FrequencyWarnRatio      float64 `mapstructure:"frequency_warn_ratio"`
	MinReasoningChars       int     `mapstructure:"min_reasoning_chars"`
	ApprovalConfidenceBelow float64 `mapstructure:"approval_confidence_below"`
	ApprovalNotionalAbove   float64 `mapstructure:"approval_notional_above"`
}

type OrderMachineConfig struct {
	// ValidationMode is "parallel" or "validator_first".
	ValidationMode  string        `mapstructure:"validation_mode"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
	SubmitTimeout   time.Duration `mapstructure:"submit_timeout"`
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	DispatchWorkers int           `mapstructure:"dispatch_workers"`
	DispatchQueue   int           `mapstructure:"dispatch_queue"`
}

type BrokerConfig struct {
	// Mode is "paper" or "none". "none" leaves orders in order_pending until an
	// external executor reports through the execution events endpoint.
	Mode        string `mapstructure:"mode"`
	AutoFill    bool   `mapstructure:"auto_fill"`
	RejectEvery int    `mapstructure:"reject_every"`
}

type NotifierConfig struct {
	RedisChannel   string        `mapstructure:"redis_channel"`
	RedisEnabled   bool          `mapstructure:"redis_enabled"`
	WSBuffer       int           `mapstructure:"ws_buffer"`
	LogEvents      bool          `mapstructure:"log_events"`
	PaaSAlerts     bool          `mapstructure:"paas_alerts"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type PaaSConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Agent   string        `mapstructure:"agent"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "arbiter")
	v.SetDefault("auth.token_ttl", "12h")

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.lock_sweep", "@every 1m")
	v.SetDefault("cron.approval_sweep", "@every 1m")
	v.SetDefault("cron.ack_sweep", "@every 30s")
	v.SetDefault("cron.retry_sweep", "@every 10s")

	v.SetDefault("ownership.audit_self_actions", true)
	v.SetDefault("ownership.release_lapsed_after", "0s")

	v.SetDefault("guardrail.total_capital", 100000)
	v.SetDefault("guardrail.max_position_fraction", 0.10)
	v.SetDefault("guardrail.warn_position_fraction", 0.08)
	v.SetDefault("guardrail.max_daily_trades", 10)
	v.SetDefault("guardrail.max_weekly_trades", 40)
	v.SetDefault("guardrail.frequency_warn_ratio", 0.8)
	v.SetDefault("guardrail.min_reasoning_chars", 20)
	v.SetDefault("guardrail.approval_confidence_below", 0)
	v.SetDefault("guardrail.approval_notional_above", 0)

	v.SetDefault("order_machine.validation_mode", "parallel")
	v.SetDefault("order_machine.max_retries", 3)
	v.SetDefault("order_machine.backoff_initial", "2s")
	v.SetDefault("order_machine.backoff_max", "1m")
	v.SetDefault("order_machine.backoff_factor", 2.0)
	v.SetDefault("order_machine.submit_timeout", "10s")
	v.SetDefault("order_machine.ack_timeout", "2m")
	v.SetDefault("order_machine.approval_timeout", "24h")
	v.SetDefault("order_machine.dispatch_workers", 4)
	v.SetDefault("order_machine.dispatch_queue", 256)

	v.SetDefault("broker.mode", "paper")
	v.SetDefault("broker.auto_fill", true)
	v.SetDefault("broker.reject_every", 0)

	v.SetDefault("notifier.redis_channel", "arbiter:events")
	v.SetDefault("notifier.redis_enabled", false)
	v.SetDefault("notifier.ws_buffer", 64)
	v.SetDefault("notifier.log_events", true)
	v.SetDefault("notifier.paas_alerts", false)
	v.SetDefault("notifier.publish_timeout", "5s")

	v.SetDefault("paas.base_url", "")
	v.SetDefault("paas.agent", "arbiter")
	v.SetDefault("paas.timeout", "10s")
}
