package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/webitel/data-exporter/internal/errors"
	"github.com/webitel/data-exporter/internal/model"
)

type AppConfig struct {
	File     string          `json:"-"`
	Consul   *ConsulConfig   `json:"consul,omitempty"`
	Redis    *RedisConfig    `json:"redis,omitempty"`
	Database *DatabaseConfig `json:"database,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Export   *ExportConfig   `json:"export,omitempty"`
}

type ConsulConfig struct {
	Id            string `json:"id"`
	Address       string `json:"address"`
	PublicAddress string `json:"publicAddress"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type DatabaseConfig struct {
	Url string `json:"url"`
}

// StorageConfig names the blob store destination exports are written to.
type StorageConfig struct {
	Destination string `json:"destination"`
	Root        string `json:"root"`
}

type ExportConfig struct {
	// Workers bounds the number of concurrent execution units on this node.
	Workers int `json:"workers"`
	// Enabled gates export scheduling on this node; submission and admin
	// operations still work when false.
	Enabled bool `json:"enabled"`
	// Schedule is the weekly processing-window table, e.g.
	// {"Mon": ["22:00-23:30"]}. Empty means process around the clock is off.
	Schedule map[string][]string `json:"schedule"`

	PollIntervalSec      int `json:"pollIntervalSec"`
	AbortScanIntervalSec int `json:"abortScanIntervalSec"`
	// ExpiryIntervalSec is how long a running task may go without a liveness
	// touch before other nodes treat it as abandoned.
	ExpiryIntervalSec    int   `json:"expiryIntervalSec"`
	MaxProcessingTimeSec int   `json:"maxProcessingTimeSec"` // 0 disables the forced pause
	CompletedTTLSec      int   `json:"completedTtlSec"`
	DownloadTTLSec       int   `json:"downloadTtlSec"`
	MinMaxFileSize       int64 `json:"minMaxFileSize"`
	HostInfo             string `json:"hostInfo"`
}

func (c *ExportConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c *ExportConfig) AbortScanInterval() time.Duration {
	return time.Duration(c.AbortScanIntervalSec) * time.Second
}

func (c *ExportConfig) ExpiryInterval() time.Duration {
	return time.Duration(c.ExpiryIntervalSec) * time.Second
}

func (c *ExportConfig) MaxProcessingTime() time.Duration {
	return time.Duration(c.MaxProcessingTimeSec) * time.Second
}

func (c *ExportConfig) CompletedTTL() time.Duration {
	return time.Duration(c.CompletedTTLSec) * time.Second
}

func (c *ExportConfig) DownloadTTL() time.Duration {
	return time.Duration(c.DownloadTTLSec) * time.Second
}

// WeeklySchedule parses the configured window table once per call.
func (c *ExportConfig) WeeklySchedule() (model.WeeklySchedule, error) {
	return model.ParseWeeklySchedule(c.Schedule)
}

func LoadConfig() (*AppConfig, error) {
	bindFlagsAndEnv()

	configFile := getConfigFilePath()
	if configFile != "" {
		if err := loadFromFile(configFile); err != nil {
			return nil, err
		}
	}

	cfg := buildAppConfig(configFile)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func bindFlagsAndEnv() {
	pflag.String("config_file", "", "Configuration file in JSON format")

	// database
	pflag.String("data_source", "", "Data source")

	// consul
	pflag.String("id", "", "Service id")
	pflag.String("consul", "", "Host to consul")
	pflag.String("grpc_addr", "", "Public gRPC address with port")

	// redis
	pflag.String("redis_addr", "localhost:6379", "Redis address")
	pflag.String("redis_password", "", "Redis password")
	pflag.Int("redis_db", 0, "Redis DB number")

	// blob storage
	pflag.String("storage_destination", "default", "Blob storage destination id")
	pflag.String("storage_root", "", "Blob storage root directory")

	// export
	pflag.Int("workers", 5, "Number of concurrent execution units")
	pflag.Bool("export_enabled", true, "Run export processing on this node")
	pflag.Int("poll_interval", 60, "Seconds between pool top-ups inside a window")
	pflag.Int("abort_scan_interval", 120, "Seconds between abort/cleanup scans")
	pflag.Int("expiry_interval", 600, "Seconds before an untouched running task counts as abandoned")
	pflag.Int("max_processing_time", 0, "Seconds of processing before a task is force paused (0 disables)")
	pflag.Int("completed_ttl", 14*24*3600, "Seconds a finished task is kept before cleanup")
	pflag.Int("download_ttl", 7*24*3600, "Seconds a finished archive stays downloadable")
	pflag.Int64("min_max_file_size", 5*1024*1024, "Lower bound for a requested max archive file size")
	pflag.String("host_info", "", "Host name used for links in notifications")

	pflag.Parse()

	_ = viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Explicit mapping
	_ = viper.BindEnv("id", "CONSUL_ID")
	_ = viper.BindEnv("consul", "CONSUL_HOST")
	_ = viper.BindEnv("grpc_addr", "GRPC_ADDR")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis_db", "REDIS_DB")
	_ = viper.BindEnv("storage_root", "STORAGE_ROOT")
}

func getConfigFilePath() string {
	file := viper.GetString("config_file")
	if file == "" {
		file = os.Getenv("DATA_EXPORTER_CONFIG_FILE")
	}
	return file
}

func loadFromFile(path string) error {
	viper.SetConfigFile(path)
	viper.SetConfigType("json")
	if err := viper.ReadInConfig(); err != nil {
		return errors.New(fmt.Sprintf("could not load config file: %s", err.Error()))
	}
	return nil
}

func buildAppConfig(file string) *AppConfig {
	return &AppConfig{
		File:     file,
		Database: &DatabaseConfig{Url: viper.GetString("data_source")},
		Consul: &ConsulConfig{
			Id:            viper.GetString("id"),
			Address:       viper.GetString("consul"),
			PublicAddress: viper.GetString("grpc_addr"),
		},
		Redis: &RedisConfig{
			Addr:     viper.GetString("redis_addr"),
			Password: viper.GetString("redis_password"),
			DB:       viper.GetInt("redis_db"),
		},
		Storage: &StorageConfig{
			Destination: viper.GetString("storage_destination"),
			Root:        viper.GetString("storage_root"),
		},
		Export: &ExportConfig{
			Workers:              viper.GetInt("workers"),
			Enabled:              viper.GetBool("export_enabled"),
			Schedule:             viper.GetStringMapStringSlice("schedule"),
			PollIntervalSec:      viper.GetInt("poll_interval"),
			AbortScanIntervalSec: viper.GetInt("abort_scan_interval"),
			ExpiryIntervalSec:    viper.GetInt("expiry_interval"),
			MaxProcessingTimeSec: viper.GetInt("max_processing_time"),
			CompletedTTLSec:      viper.GetInt("completed_ttl"),
			DownloadTTLSec:       viper.GetInt("download_ttl"),
			MinMaxFileSize:       viper.GetInt64("min_max_file_size"),
			HostInfo:             viper.GetString("host_info"),
		},
	}
}

func validateConfig(cfg *AppConfig) error {
	if cfg.Database.Url == "" {
		return errors.New("Data source is required")
	}
	if cfg.Consul.Id == "" {
		return errors.New("Service id is required")
	}
	if cfg.Consul.Address == "" {
		return errors.New("Consul address is required")
	}
	if cfg.Consul.PublicAddress == "" {
		return errors.New("gRPC address is required")
	}
	if cfg.Redis.Addr == "" {
		return errors.New("Redis address is required")
	}
	if cfg.Storage.Root == "" {
		return errors.New("Blob storage root is required")
	}
	if cfg.Storage.Destination == "" {
		return errors.New("Blob storage destination is required")
	}
	if _, err := cfg.Export.WeeklySchedule(); err != nil {
		return errors.New(fmt.Sprintf("invalid export schedule: %s", err.Error()))
	}
	return nil
}
