package config

import (
	"github.com/blockserved/notice-service/internal/logger"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Task     TaskConfig     `mapstructure:"task"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ChainConfig configures the TRON full node connection and the pinned
// notice contract.
type ChainConfig struct {
	NodeURL         string `mapstructure:"node_url"`         // full node HTTP API base URL
	PrivateKey      string `mapstructure:"private_key"`      // server signing key (hex)
	ContractAddress string `mapstructure:"contract_address"` // notice contract, base58
	Confirmations   int    `mapstructure:"confirmations"`
	FeeLimit        int64  `mapstructure:"fee_limit"`         // max SUN burnable per call
	DefaultFeeTotal int64  `mapstructure:"default_fee_total"` // fallback when fee reads fail, SUN
	EnergyEstimate  int64  `mapstructure:"energy_estimate"`   // energy a single mint is expected to cost
	EnergyPolicy    string `mapstructure:"energy_policy"`     // "require" or "burn"
	ConfirmTimeout  int    `mapstructure:"confirm_timeout"`   // seconds to wait for a receipt
	CallTimeout     int    `mapstructure:"call_timeout"`      // seconds per RPC call
	MetadataBaseURI string `mapstructure:"metadata_base_uri"` // empty = inline data URI
}

// StorageConfig configures the IPFS pinning service.
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	JWT       string `mapstructure:"jwt"`
	Mode      string `mapstructure:"mode"` // "production" or "development"
	Timeout   int    `mapstructure:"timeout"`
}

type TaskConfig struct {
	ReconcileInterval    int     `mapstructure:"reconcile_interval"`     // seconds
	PendingRetryInterval int     `mapstructure:"pending_retry_interval"` // seconds
	ReconcileRate        float64 `mapstructure:"reconcile_rate"`         // ownership reads per second
	ReconcileWorkers     int     `mapstructure:"reconcile_workers"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"` // stdout or file
	File   string `mapstructure:"file"`
}

func Load() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/notice-service")

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.dbname", "noticeservice")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("chain.node_url", "https://nile.trongrid.io")
	viper.SetDefault("chain.confirmations", 19)
	viper.SetDefault("chain.fee_limit", 1000000000)
	viper.SetDefault("chain.default_fee_total", 27000000)
	viper.SetDefault("chain.energy_estimate", 400000)
	viper.SetDefault("chain.energy_policy", "burn")
	viper.SetDefault("chain.confirm_timeout", 90)
	viper.SetDefault("chain.call_timeout", 10)
	viper.SetDefault("storage.endpoint", "https://api.pinata.cloud")
	viper.SetDefault("storage.mode", "development")
	viper.SetDefault("storage.timeout", 30)
	viper.SetDefault("task.reconcile_interval", 3600)
	viper.SetDefault("task.pending_retry_interval", 120)
	viper.SetDefault("task.reconcile_rate", 5.0)
	viper.SetDefault("task.reconcile_workers", 4)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.file", "logs/app.log")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("Warning: Could not read config file: %v", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		logger.Fatal("Unable to decode config into struct: %v", err)
	}

	return &config
}
