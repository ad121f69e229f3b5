package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xaenox/octopus/internal/classifier"
	"github.com/xaenox/octopus/internal/collector"
	"github.com/xaenox/octopus/internal/collector/discord"
	"github.com/xaenox/octopus/internal/collector/reddit"
	"github.com/xaenox/octopus/internal/collector/telegram"
	"github.com/xaenox/octopus/internal/collector/twitter"
	"github.com/xaenox/octopus/internal/dedup"
	"github.com/xaenox/octopus/internal/extractor"
	"github.com/xaenox/octopus/internal/metrics"
	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/scheduler"
	"github.com/xaenox/octopus/internal/storage"
	"github.com/xaenox/octopus/internal/tasks"
	"github.com/xaenox/octopus/internal/transport"
	"github.com/xaenox/octopus/pkg/config"
)

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func databaseConfig(cfg config.DatabaseConfig) storage.DatabaseConfig {
	return storage.DatabaseConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		DBName:   cfg.DBName,
		SSLMode:  cfg.SSLMode,
	}
}

// app holds the wired pipeline.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store        storage.Storage
	redis        *redis.Client
	metrics      *metrics.Pipeline
	registry     *collector.Registry
	runner       *collector.Runner
	extractor    *extractor.Extractor
	queue        tasks.Queue
	states       tasks.StateStore
	orchestrator *tasks.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	// Initialize storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		a.store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := databaseConfig(cfg.Database)
		if cfg.Database.Migrate {
			if err := storage.ApplyMigrations(dbConfig, logger); err != nil {
				return nil, err
			}
		}
		store, err := storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			return nil, err
		}
		a.store = store
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace)
	}

	a.registry = newRegistry(cfg, logger)
	a.runner = collector.NewRunner(a.store, a.registry, dedup.NewGate(a.store, logger.Named("dedup")), a.metrics, logger.Named("runner"))
	a.extractor = extractor.New(a.store, newRecognizers(cfg.NER, logger.Named("ner")), a.metrics, logger.Named("extractor"))

	switch cfg.Queue.Backend {
	case config.QueueRedis:
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.queue = tasks.NewRedisQueue(a.redis, cfg.Redis.Prefix, cfg.Queue.PollTimeout, logger.Named("queue"))
		a.states = tasks.NewRedisStateStore(a.redis, cfg.Redis.Prefix, cfg.Queue.StateRetention, cfg.Queue.LeaseTTL)
	default:
		a.queue = tasks.NewMemoryQueue(cfg.Queue.PollTimeout)
		a.states = tasks.NewMemoryStateStore(cfg.Queue.LeaseTTL)
	}
	a.orchestrator = tasks.NewOrchestrator(a.store, a.registry, a.queue, a.states, logger.Named("tasks"))
	return a, nil
}

func (a *app) newWorker() *tasks.Worker {
	pipeline := tasks.CollectExtract(a.runner, a.extractor, a.cfg.Extractor.BatchSize)
	return tasks.NewWorker(a.queue, a.states, pipeline, tasks.WorkerConfig{
		Concurrency:    a.cfg.Worker.Concurrency,
		RetryDelay:     a.cfg.Worker.RetryDelay,
		RecoverOnStart: a.cfg.Worker.RecoverOnStart,
	}, a.metrics, a.logger.Named("worker"))
}

func (a *app) newScheduler() *scheduler.Scheduler {
	return scheduler.New(a.store, a.orchestrator, scheduler.Config{
		Interval:   a.cfg.Scheduler.Interval,
		RunOnStart: a.cfg.Scheduler.RunOnStart,
		StaleAfter: a.cfg.Scheduler.StaleAfter,
	}, a.logger.Named("scheduler"))
}

// serveMetrics exposes /metrics until ctx is done.
func (a *app) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Metrics endpoint listening", zap.String("addr", a.cfg.Metrics.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (a *app) Close() error {
	var err error
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	return err
}

func newRegistry(cfg *config.Config, logger *zap.Logger) *collector.Registry {
	registry := collector.NewRegistry()

	registry.Register(models.PlatformTwitter, func() (collector.Source, error) {
		src, err := twitter.NewSource(twitter.Config{
			BearerToken: cfg.Twitter.BearerToken,
			BaseURL:     cfg.Twitter.BaseURL,
			Timeout:     cfg.Twitter.Timeout,
			Transport:   transport.DefaultConfig(),
		}, logger.Named("twitter"))
		if err != nil {
			return nil, err
		}
		return src, nil
	})

	registry.Register(models.PlatformTelegram, func() (collector.Source, error) {
		var backend telegram.Backend
		switch cfg.Telegram.Mode {
		case config.TelegramBot:
			if cfg.Telegram.BotToken == "" {
				return nil, fmt.Errorf("%w: telegram bot token is not set", collector.ErrConfig)
			}
			backend = telegram.NewBotBackend(cfg.Telegram.BotToken, logger.Named("telegram"))
		default:
			if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
				return nil, fmt.Errorf("%w: telegram api id and hash are not set", collector.ErrConfig)
			}
			backend = telegram.NewMTProtoBackend(cfg.Telegram.APIID, cfg.Telegram.APIHash, cfg.Telegram.SessionPath, logger.Named("mtproto"))
		}
		return telegram.NewSource(backend, cfg.Telegram.TargetTimeout, logger.Named("telegram")), nil
	})

	registry.Register(models.PlatformReddit, func() (collector.Source, error) {
		src, err := reddit.NewSource(reddit.Config{
			ClientID:     cfg.Reddit.ClientID,
			ClientSecret: cfg.Reddit.ClientSecret,
			UserAgent:    cfg.Reddit.UserAgent,
			Timeout:      cfg.Reddit.Timeout,
			Transport:    transport.DefaultConfig(),
		}, logger.Named("reddit"))
		if err != nil {
			return nil, err
		}
		return src, nil
	})

	registry.Register(models.PlatformDiscord, func() (collector.Source, error) {
		src, err := discord.NewSource(cfg.Discord.Token, discord.NewSession, logger.Named("discord"))
		if err != nil {
			return nil, err
		}
		return src, nil
	})

	return registry
}

// newRecognizers builds one recognizer per configured language. Missing
// credentials leave entity recognition off rather than failing startup.
func newRecognizers(cfg config.NERConfig, logger *zap.Logger) extractor.Recognizers {
	recognizers := extractor.Recognizers{}
	rules := classifier.NewRulesRecognizer(cfg.MaxEntities)

	switch cfg.Provider {
	case config.NERNone:
		logger.Info("Entity recognition disabled")
	case config.NERRules:
		for _, lang := range cfg.Languages {
			recognizers[lang] = rules
		}
	case config.NEROpenAI:
		if cfg.OpenAI.APIKey == "" {
			logger.Warn("OpenAI API key not set, entity recognition disabled")
			return recognizers
		}
		var fallback classifier.EntityRecognizer
		if cfg.OpenAI.Fallback {
			fallback = rules
		}
		for _, lang := range cfg.Languages {
			recognizers[lang] = classifier.NewGPTRecognizer(classifier.GPTConfig{
				APIKey:      cfg.OpenAI.APIKey,
				BaseURL:     cfg.OpenAI.BaseURL,
				Model:       cfg.OpenAI.Model,
				MaxTokens:   cfg.OpenAI.MaxTokens,
				Temperature: cfg.OpenAI.Temperature,
				MaxEntities: cfg.MaxEntities,
				Language:    lang,
			}, fallback, logger)
		}
	}
	return recognizers
}
