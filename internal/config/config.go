package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	// Client-side knobs.
	ServerURL         string        `mapstructure:"server_url"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	DriftThreshold    float64       `mapstructure:"drift_threshold"`
	ResyncAttempts    int           `mapstructure:"resync_attempts"`
	ResyncInterval    time.Duration `mapstructure:"resync_interval"`
	HostGraceWindow   time.Duration `mapstructure:"host_grace_window"`
	STUNServers       []string      `mapstructure:"stun_servers"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("server_url", "ws://localhost:8080/api/ws")
	v.SetDefault("reconnect_attempts", 10)
	v.SetDefault("reconnect_base", "1s")
	v.SetDefault("reconnect_max", "15s")
	v.SetDefault("join_timeout", "10s")
	v.SetDefault("drift_threshold", 2.0)
	v.SetDefault("resync_attempts", 30)
	v.SetDefault("resync_interval", "1s")
	v.SetDefault("host_grace_window", "2s")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
}

// Default returns the built-in configuration without reading any file.
// Tests and embedding callers start from this.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
