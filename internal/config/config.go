package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server         ServerConfig          `mapstructure:"server"`
	Database       DatabaseConfig        `mapstructure:"database"`
	Redis          RedisConfig           `mapstructure:"redis"`
	Kafka          KafkaConfig           `mapstructure:"kafka"`
	JWT            JWTConfig             `mapstructure:"jwt"`
	Log            LogConfig             `mapstructure:"log"`
	Business       BusinessConfig        `mapstructure:"business"`
	Gateways       GatewaysConfig        `mapstructure:"gateways"`
	PaymentMethods []PaymentMethodConfig `mapstructure:"payment_methods"`
}

// ServerConfig worker_id 是参考码生成器的机器号，多副本部署时必须互不相同
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`
	WorkerID int64  `mapstructure:"worker_id"`
}

// DatabaseConfig 数据库配置，driver 取值 mysql / postgres / sqlite
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"sslmode"`
	Path         string `mapstructure:"path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransactionResult string `mapstructure:"transaction_result"`
	ReconcileAlert    string `mapstructure:"reconcile_alert"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BusinessConfig struct {
	PaymentSessionMinutes  int           `mapstructure:"payment_session_minutes"`
	IdempotencyTTLHours    int           `mapstructure:"idempotency_ttl_hours"`
	MaxRetryCount          int           `mapstructure:"max_retry_count"`
	ExpiryInterval         time.Duration `mapstructure:"expiry_interval"`
	ReconcileInterval      time.Duration `mapstructure:"reconcile_interval"`
	OutboxInterval         time.Duration `mapstructure:"outbox_interval"`
	WebhookTimestampWindow time.Duration `mapstructure:"webhook_timestamp_window"`
}

// PaymentSessionTTL 支付会话有效期
func (b BusinessConfig) PaymentSessionTTL() time.Duration {
	return time.Duration(b.PaymentSessionMinutes) * time.Minute
}

// IdempotencyTTL 幂等键有效期
func (b BusinessConfig) IdempotencyTTL() time.Duration {
	return time.Duration(b.IdempotencyTTLHours) * time.Hour
}

type GatewaysConfig struct {
	VNPay        VNPayConfig        `mapstructure:"vnpay"`
	MoMo         MoMoConfig         `mapstructure:"momo"`
	ZaloPay      ZaloPayConfig      `mapstructure:"zalopay"`
	BankTransfer BankTransferConfig `mapstructure:"bank_transfer"`
}

type VNPayConfig struct {
	TmnCode    string `mapstructure:"tmn_code"`
	HashSecret string `mapstructure:"hash_secret"`
	PayURL     string `mapstructure:"pay_url"`
	ReturnURL  string `mapstructure:"return_url"`
}

type MoMoConfig struct {
	PartnerCode string `mapstructure:"partner_code"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
	PayURL      string `mapstructure:"pay_url"`
	IPNURL      string `mapstructure:"ipn_url"`
}

type ZaloPayConfig struct {
	AppID  string `mapstructure:"app_id"`
	Key1   string `mapstructure:"key1"`
	Key2   string `mapstructure:"key2"`
	PayURL string `mapstructure:"pay_url"`
}

type BankTransferConfig struct {
	Secret string `mapstructure:"secret"`
}

// PaymentMethodConfig 启动时写入 payment_methods 表的种子数据
type PaymentMethodConfig struct {
	Code             string `mapstructure:"code"`
	Name             string `mapstructure:"name"`
	Provider         string `mapstructure:"provider"`
	Active           bool   `mapstructure:"active"`
	FeePercent       string `mapstructure:"fee_percent"`
	FeeFixed         string `mapstructure:"fee_fixed"`
	MinAmount        string `mapstructure:"min_amount"`
	MaxAmount        string `mapstructure:"max_amount"`
	SupportsDeposit  bool   `mapstructure:"supports_deposit"`
	SupportsWithdraw bool   `mapstructure:"supports_withdraw"`
}

// Decimals 解析种子数据中的金额字段
func (p PaymentMethodConfig) Decimals() (feePercent, feeFixed, minAmount, maxAmount decimal.Decimal, err error) {
	parse := func(field, v string) (decimal.Decimal, error) {
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("payment method %s: invalid %s %q: %w", p.Code, field, v, err)
		}
		return d, nil
	}
	if feePercent, err = parse("fee_percent", p.FeePercent); err != nil {
		return
	}
	if feeFixed, err = parse("fee_fixed", p.FeeFixed); err != nil {
		return
	}
	if minAmount, err = parse("min_amount", p.MinAmount); err != nil {
		return
	}
	maxAmount, err = parse("max_amount", p.MaxAmount)
	return
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("kafka.topic.transaction_result", "payment.transaction.result")
	v.SetDefault("kafka.topic.reconcile_alert", "payment.reconcile.alert")
	v.SetDefault("jwt.issuer", "payledger")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("business.payment_session_minutes", 15)
	v.SetDefault("business.idempotency_ttl_hours", 24)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.expiry_interval", 30*time.Second)
	v.SetDefault("business.reconcile_interval", time.Hour)
	v.SetDefault("business.outbox_interval", 200*time.Millisecond)
	v.SetDefault("business.webhook_timestamp_window", 5*time.Minute)
}

// Load 读取配置文件，环境变量 PAYLEDGER_* 覆盖同名配置项
func Load(configPath string) (*Config, error) {
	// .env 仅用于本地开发，不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PAYLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt.secret must be set")
	}
	if cfg.Server.WorkerID < 0 || cfg.Server.WorkerID > 9 {
		return nil, fmt.Errorf("server.worker_id must be between 0 and 9, got %d", cfg.Server.WorkerID)
	}
	for _, pm := range cfg.PaymentMethods {
		if _, _, _, _, err := pm.Decimals(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadConfig 加载配置文件，失败直接退出
func LoadConfig(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	GlobalConfig = cfg
	return cfg
}
