package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env         string `yaml:"env" env-default:"local"`
	StoragePath string `yaml:"storage_path" env:"STORAGE_PATH" env-required:"true"`
	RedisAddr   string `yaml:"redis_addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	HTTPServer  `yaml:"http_server"`
	Engine      `yaml:"engine"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" env-default:"localhost:8080"`
	Timeout         time.Duration `yaml:"timeout" env-default:"4s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"15s"`
}

type Engine struct {
	TickInterval     time.Duration `yaml:"tick_interval" env-default:"5s"`
	ResyncInterval   time.Duration `yaml:"resync_interval" env-default:"5m"`
	StartLookahead   time.Duration `yaml:"start_lookahead" env-default:"10m"`
	AttentionWindow  time.Duration `yaml:"attention_window" env-default:"60s"`
	UpcomingInterval time.Duration `yaml:"upcoming_interval" env-default:"1m"`
	UpcomingHorizon  time.Duration `yaml:"upcoming_horizon" env-default:"24h"`
}

func MustLoad() *Config {
	var cfg Config

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("Config file does not exist: %s", configPath)
	}

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("Failed to read config file: %v", err)
	}

	return &cfg
}
