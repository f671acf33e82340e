package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	"github.com/mirkobrombin/go-dirlock/v1/lock"
	"github.com/mirkobrombin/go-dirlock/v1/metrics"
	"github.com/mirkobrombin/go-dirlock/v1/syncbus"
)

const (
	busFailureThreshold = 3
	busCooldown         = 30 * time.Second
)

// app carries the state shared by the subcommands of one invocation.
type app struct {
	v       *viper.Viper
	cfg     config
	log     *zap.Logger
	redis   *redis.Client
	closers []func() error
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "dirlock",
		Short: "Mutual exclusion through a shared directory",
		Long: `dirlock serializes independent processes, possibly on different hosts,
through ticket files in a shared directory. No server and no OS lock is
needed; abandoned tickets expire after the timeout.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default ./dirlock.yaml or $HOME/.config/dirlock/dirlock.yaml)")
	flags.StringP("path", "p", ".", "lock target: a directory or a file whose directory holds the tickets")
	flags.Duration("timeout", lock.DefaultTimeout, "acquisition timeout and age after which tickets are stale")
	flags.Duration("poll-interval", lock.DefaultPollInterval, "sleep between ticket scans")
	flags.String("clock", "fs", "reference clock: fs (file modification time) or redis (server TIME)")
	flags.String("redis-addr", "localhost:6379", "redis address used by --clock=redis and --bus=redis")
	flags.String("bus", busNone, "release notifications: none, redis, nats or kafka")
	flags.String("nats-url", "nats://127.0.0.1:4222", "NATS server used by --bus=nats")
	flags.StringSlice("kafka-brokers", nil, "Kafka brokers used by --bus=kafka")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "also write JSON logs to this file, rotated")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")

	for key, flag := range map[string]string{
		"config":        "config",
		"path":          "path",
		"timeout":       "timeout",
		"poll_interval": "poll-interval",
		"clock":         "clock",
		"redis.addr":    "redis-addr",
		"bus":           "bus",
		"nats.url":      "nats-url",
		"kafka.brokers": "kafka-brokers",
		"log.level":     "log-level",
		"log.file":      "log-file",
		"metrics.addr":  "metrics-addr",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(newRunCmd(a), newTicketsCmd(a), newStressCmd(a), newWatchCmd(a))
	return root
}

func (a *app) setup(ctx context.Context) error {
	if err := a.readConfig(); err != nil {
		return err
	}
	cfg, err := loadConfig(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closeLog, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	a.log = logger
	a.closers = append(a.closers, closeLog)

	if cfg.MetricsAddr != "" {
		if err := a.serveMetrics(ctx, cfg.MetricsAddr); err != nil {
			return errors.Join(err, a.teardown())
		}
	}
	return nil
}

func (a *app) readConfig() error {
	a.v.SetEnvPrefix("DIRLOCK")
	// DIRLOCK_REDIS_ADDR for redis.addr
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if file := a.v.GetString("config"); file != "" {
		a.v.SetConfigFile(file)
	} else {
		a.v.SetConfigName("dirlock")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(".")
		a.v.AddConfigPath("$HOME/.config/dirlock")
	}

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && a.v.GetString("config") == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (a *app) serveMetrics(ctx context.Context, addr string) error {
	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.log.Debug("serving metrics", zap.String("addr", ln.Addr().String()))
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return nil
}

// runE wraps a subcommand so that the resources opened by setup are
// released on every exit path.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			err = errors.Join(err, a.teardown())
		}()
		return fn(cmd, args)
	}
}

func (a *app) teardown() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// lockOptions turns the configuration into locker options. Resources opened
// here are released by teardown.
func (a *app) lockOptions() ([]lock.Option, error) {
	opts := []lock.Option{
		lock.WithTimeout(a.cfg.Timeout),
		lock.WithPollInterval(a.cfg.PollInterval),
		lock.WithLogger(a.slogger()),
	}
	if a.cfg.Clock == clockRedis {
		opts = append(opts, lock.WithClock(a.redisClock()))
	}
	bus, err := a.bus()
	if err != nil {
		return nil, err
	}
	if bus != nil {
		opts = append(opts, lock.WithBus(syncbus.NewCircuitBreaker(bus, busFailureThreshold, busCooldown)))
	}
	return opts, nil
}

func (a *app) bus() (syncbus.Bus, error) {
	switch a.cfg.Bus {
	case busRedis:
		bus := syncbus.NewRedisBus(a.redisClient())
		a.closers = append(a.closers, bus.Close)
		return bus, nil
	case busNATS:
		conn, err := nats.Connect(a.cfg.NATSURL, nats.Name("dirlock"))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		a.closers = append(a.closers, func() error {
			return conn.Drain()
		})
		return syncbus.NewNATSBus(conn), nil
	case busKafka:
		cfg := sarama.NewConfig()
		cfg.ClientID = "dirlock"
		bus, err := syncbus.NewKafkaBus(a.cfg.KafkaBrokers, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect to Kafka: %w", err)
		}
		a.closers = append(a.closers, bus.Close)
		return bus, nil
	}
	return nil, nil
}

// referenceClock returns the configured clock for the tickets of ns.
func (a *app) referenceClock(fs afero.Fs, ns lock.Namespace) lock.Clock {
	if a.cfg.Clock == clockRedis {
		return a.redisClock()
	}
	return lock.NewFSClock(fs, ns.Dir)
}

func (a *app) redisClock() lock.Clock {
	return lock.NewRedisClock(a.redisClient())
}

// redisClient returns the client shared by the redis clock and bus.
func (a *app) redisClient() *redis.Client {
	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		client := a.redis
		a.closers = append(a.closers, func() error {
			a.redis = nil
			return client.Close()
		})
	}
	return a.redis
}

func (a *app) slogger() *slog.Logger {
	return slog.New(zapslog.NewHandler(a.log.Core()))
}
