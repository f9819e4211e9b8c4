// Command tgparser runs the incremental Telegram parsing scheduler: a
// single tick loop that elects one active replica via a distributed lock
// and drives per-channel Telegram ingestion on a fixed interval.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"

	"github.com/ilyasni/tgparser/internal/adapters/natspublisher"
	"github.com/ilyasni/tgparser/internal/adapters/postgres"
	"github.com/ilyasni/tgparser/internal/adapters/redisstore"
	"github.com/ilyasni/tgparser/internal/adapters/telegramsource"
	"github.com/ilyasni/tgparser/internal/domain/dispatcher"
	"github.com/ilyasni/tgparser/internal/domain/parseorch"
	"github.com/ilyasni/tgparser/internal/domain/scheduler"
	"github.com/ilyasni/tgparser/internal/domain/selector"
	"github.com/ilyasni/tgparser/internal/domain/watermark"
	"github.com/ilyasni/tgparser/internal/infra/clock"
	"github.com/ilyasni/tgparser/internal/infra/config"
	"github.com/ilyasni/tgparser/internal/infra/lifecycle"
	"github.com/ilyasni/tgparser/internal/infra/logger"
	"github.com/ilyasni/tgparser/internal/infra/metrics"

	"go.uber.org/zap"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var envPath string

	root := &cobra.Command{
		Use:   "tgparser",
		Short: "Incremental Telegram parsing scheduler",
	}
	root.PersistentFlags().StringVar(&envPath, "env", ".env", "path to .env file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the tick loop and run until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(envPath, func(ctx context.Context, sched *scheduler.Scheduler) error {
				if !config.Env().IncrementalParsingEnabled {
					logger.Info("FEATURE_INCREMENTAL_PARSING_ENABLED is false; master switch is off, core will not tick")
					return nil
				}
				sched.Run(ctx)
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Run exactly one tick and exit (operator escape hatch / CI smoke test)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(envPath, func(ctx context.Context, sched *scheduler.Scheduler) error {
				if !config.Env().IncrementalParsingEnabled {
					logger.Info("FEATURE_INCREMENTAL_PARSING_ENABLED is false; master switch is off, core will not tick")
					return nil
				}
				sched.RunOnce(ctx)
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withServices wires every adapter and domain component behind the
// lifecycle manager, runs body while the process's signal context is
// live, and guarantees reverse-order shutdown on the way out.
func withServices(envPath string, body func(ctx context.Context, sched *scheduler.Scheduler) error) error {
	if err := config.Load(envPath); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := config.Env()

	logger.Init(env.LogLevel)
	for _, w := range config.Warnings() {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := lifecycle.New(ctx)
	m := metrics.NewMetrics()
	clk := clock.Real{}

	var (
		pool       *pgxpool.Pool
		redisCli   *redis.Client
		publisher  *natspublisher.Publisher
		tgClient   *telegramsource.Client
		sched      *scheduler.Scheduler
		httpServer *http.Server
	)

	if err := mgr.Register("postgres", "", nil, func(ctx context.Context) (context.Context, error) {
		p, err := pgxpool.New(ctx, env.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		pool = p
		return nil, nil
	}, func(context.Context) error {
		if pool != nil {
			pool.Close()
		}
		return nil
	}); err != nil {
		return err
	}

	if err := mgr.Register("redis", "", nil, func(ctx context.Context) (context.Context, error) {
		cli := redis.NewClient(&redis.Options{
			Addr:     env.RedisAddr,
			Password: env.RedisPassword,
			DB:       env.RedisDB,
		})
		if err := cli.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		redisCli = cli
		return nil, nil
	}, func(context.Context) error {
		if redisCli != nil {
			return redisCli.Close()
		}
		return nil
	}); err != nil {
		return err
	}

	if err := mgr.Register("nats", "", nil, func(ctx context.Context) (context.Context, error) {
		p, err := natspublisher.Connect(natspublisher.Options{
			URL:             env.NATSURL,
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			ReconnectJitter: time.Second,
		}, m)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		publisher = p
		return nil, nil
	}, func(context.Context) error {
		if publisher != nil {
			publisher.Close()
		}
		return nil
	}); err != nil {
		return err
	}

	if err := mgr.Register("telegram", "", nil, func(ctx context.Context) (context.Context, error) {
		options := telegram.Options{
			SessionStorage: &telegramsource.FileStorage{Path: env.TelegramSessionFile},
			Device: telegram.DeviceConfig{
				DeviceModel:   "tgparser",
				SystemVersion: "linux",
				AppVersion:    version,
			},
		}
		if env.TelegramTestDC {
			options.DCList = dcs.Test()
		}

		tgClient = telegramsource.New(telegramsource.Config{
			APIID:             env.TelegramAPIID,
			APIHash:           env.TelegramAPIHash,
			PhoneNumber:       env.TelegramPhoneNumber,
			SessionFile:       env.TelegramSessionFile,
			UseTestDC:         env.TelegramTestDC,
			RequestsPerSecond: env.TelegramRPS,
		}, options)

		ready := make(chan struct{})
		errCh := make(chan error, 1)
		runCtx, cancel := context.WithCancel(ctx)
		go func() {
			err := tgClient.Run(runCtx, func(ctx context.Context) error {
				close(ready)
				<-ctx.Done()
				return nil
			})
			if err != nil {
				logger.Errorf("telegram client stopped: %v", err)
			}
			errCh <- err
		}()

		select {
		case <-ready:
		case err := <-errCh:
			cancel()
			return nil, fmt.Errorf("telegram client failed to start: %w", err)
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
		return runCtx, nil
	}, func(context.Context) error {
		return nil // context cancellation (via the bridged runCtx) is what stops client.Run
	}); err != nil {
		return err
	}

	if err := mgr.Register("metrics-http", "", nil, func(ctx context.Context) (context.Context, error) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		httpServer = &http.Server{Addr: env.MetricsAddr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("metrics server stopped: %v", err)
			}
		}()
		return nil, nil
	}, func(ctx context.Context) error {
		if httpServer == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}); err != nil {
		return err
	}

	if err := mgr.Register("tick-loop", "", []string{"postgres", "redis", "nats", "telegram", "metrics-http"},
		func(ctx context.Context) (context.Context, error) {
			channelRepo := postgres.New(pool)
			fastStore := redisstore.New(redisCli)
			wm := watermark.New(fastStore, channelRepo, clk, time.Duration(env.HistoricalHours)*time.Hour)
			orch := parseorch.New(tgClient, publisher, wm, env.BatchSize)
			disp := dispatcher.New(orch, m, dispatcher.Config{
				MaxConcurrency: env.MaxConcurrency,
				RetryMax:       env.RetryMax,
				RetryBaseDelay: time.Duration(env.RetryBaseSec) * time.Second,
				RetryCapDelay:  time.Duration(env.RetryCapSec) * time.Second,
				ParseTimeout:   env.ParseTimeout(),
			})
			sel := selector.New(channelRepo, clk, selector.ModeOverride(env.ModeOverride),
				time.Duration(env.LPAStaleThresholdSec)*time.Second, env.SelectorOldestFirst)

			sched = scheduler.New(fastStore, sel, disp, m, clk, scheduler.Config{
				TickInterval:    env.TickInterval(),
				LockTTL:         env.LockTTL(),
				MaxTickDuration: env.MaxTickDuration(),
			})
			return nil, nil
		}, nil); err != nil {
		return err
	}

	if err := mgr.StartAll(); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			logger.Errorf("shutdown error: %v", err)
		}
	}()

	logger.Info("tgparser started", zap.String("version", version))
	return body(ctx, sched)
}
