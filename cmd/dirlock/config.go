package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	clockFS    = "fs"
	clockRedis = "redis"

	busNone  = "none"
	busRedis = "redis"
	busNATS  = "nats"
	busKafka = "kafka"
)

type config struct {
	Path         string
	Timeout      time.Duration
	PollInterval time.Duration
	Clock        string
	RedisAddr    string
	Bus          string
	NATSURL      string
	KafkaBrokers []string
	LogLevel     string
	LogFile      string
	MetricsAddr  string
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		Path:         v.GetString("path"),
		Timeout:      v.GetDuration("timeout"),
		PollInterval: v.GetDuration("poll_interval"),
		Clock:        v.GetString("clock"),
		RedisAddr:    v.GetString("redis.addr"),
		Bus:          v.GetString("bus"),
		NATSURL:      v.GetString("nats.url"),
		KafkaBrokers: v.GetStringSlice("kafka.brokers"),
		LogLevel:     v.GetString("log.level"),
		LogFile:      v.GetString("log.file"),
		MetricsAddr:  v.GetString("metrics.addr"),
	}
	if cfg.Timeout <= 0 {
		return cfg, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.PollInterval <= 0 {
		return cfg, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}
	switch cfg.Clock {
	case clockFS, clockRedis:
	default:
		return cfg, fmt.Errorf("unknown clock %q (want %s or %s)", cfg.Clock, clockFS, clockRedis)
	}
	switch cfg.Bus {
	case "", busNone, busRedis, busNATS:
	case busKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return cfg, fmt.Errorf("bus %s needs at least one broker", busKafka)
		}
	default:
		return cfg, fmt.Errorf("unknown bus %q (want %s, %s, %s or %s)", cfg.Bus, busNone, busRedis, busNATS, busKafka)
	}
	return cfg, nil
}
