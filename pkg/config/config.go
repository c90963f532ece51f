package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DispatcherConfig captures runtime settings for the dispatch service.
type DispatcherConfig struct {
	ListenAddr               string        `mapstructure:"listen_addr"`
	DatabaseURL              string        `mapstructure:"database_url"`
	RedisURL                 string        `mapstructure:"redis_url"`
	APIKey                   string        `mapstructure:"api_key"`
	SocketTimeout            time.Duration `mapstructure:"socket_timeout"`
	VirtualizedSocketTimeout time.Duration `mapstructure:"virtualized_socket_timeout"`
	VMResumeCommand          string        `mapstructure:"vm_resume_command"`
	DownloadConnections      int           `mapstructure:"download_connections"`
	ScanInterval             time.Duration `mapstructure:"scan_interval"`
	NewWorkerInterval        time.Duration `mapstructure:"new_worker_interval"`
	UploadDir                string        `mapstructure:"upload_dir"`
	LogLevel                 string        `mapstructure:"log_level"`
}

// LoadDispatcher loads dispatcher configuration from defaults, files, and
// env vars.
func LoadDispatcher() (DispatcherConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("DISPATCHER")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8086")
	v.SetDefault("socket_timeout", 40*time.Second)
	v.SetDefault("virtualized_socket_timeout", 30*time.Second)
	v.SetDefault("vm_resume_command", "ssh ppa@{vm_host} ppa-reset {buildd_name}")
	v.SetDefault("download_connections", 10)
	v.SetDefault("scan_interval", 15*time.Second)
	v.SetDefault("new_worker_interval", 5*time.Minute)
	v.SetDefault("upload_dir", "./incoming")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return DispatcherConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg DispatcherConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return DispatcherConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}
