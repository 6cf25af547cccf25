package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Relay configures the signaling/room-registry service.
type Relay struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	Secret        string        `mapstructure:"secret"`
	RoomIdleTTL   time.Duration `mapstructure:"room_idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	CreateLimit   int           `mapstructure:"create_limit"`
	CreateWindow  time.Duration `mapstructure:"create_window"`
}

// Client configures the peer session side.
type Client struct {
	SignalURLs  []string      `mapstructure:"signal_urls"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisDB     int           `mapstructure:"redis_db"`
	TokenFile   string        `mapstructure:"token_file"`
	RoomTimeout time.Duration `mapstructure:"room_timeout"`
}

type Config struct {
	Relay  Relay  `mapstructure:"relay"`
	Client Client `mapstructure:"client"`
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

	v.SetDefault("relay.mode", "release")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.secret", "duet-dev-secret")
	v.SetDefault("relay.room_idle_ttl", "10m")
	v.SetDefault("relay.sweep_interval", "1m")
	v.SetDefault("relay.create_limit", 10)
	v.SetDefault("relay.create_window", "1m")
	v.SetDefault("client.signal_urls", []string{"ws://localhost:8080/api/ws"})
	v.SetDefault("client.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.redis_addr", "")
	v.SetDefault("client.redis_db", 0)
	v.SetDefault("client.token_file", "")
	v.SetDefault("client.room_timeout", "5s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
