package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nsqio/go-nsq"

	"auditrelay/internal/app"
	"auditrelay/internal/config"
	"auditrelay/internal/logger"
)

func main() {
	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(os.Stdout, logger.ParseLevel(cfg.LogLevel))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("auditrelay exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// 2. Infrastructure
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.DB.Close()
	defer deps.NSQProducer.Stop()

	queue, err := app.NewQueue(cfg, deps.DB)
	if err != nil {
		return err
	}

	// 3. Features
	a, err := app.New(cfg, deps.DB, queue, deps.NSQProducer, log)
	if err != nil {
		return err
	}

	if _, err := a.Scheduler.Reconcile(ctx, a.SourceService); err != nil {
		slog.Error("failed to reconcile schedules", "error", err)
	}

	// 4. Source removal consumer
	consumer, err := nsq.NewConsumer(config.TopicSourceRemoved, config.ChannelScheduler, nsq.NewConfig())
	if err != nil {
		return err
	}
	consumer.AddHandler(a.RemovalConsumer)
	if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
		slog.Error("failed to connect to NSQLookupd", "error", err)
	} else {
		slog.Info("NSQ removal consumer connected", "topic", config.TopicSourceRemoved, "channel", config.ChannelScheduler)
	}
	defer func() {
		consumer.Stop()
		<-consumer.StopChan
	}()

	// 5. Workers and API
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if cfg.EnableWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Pool.Run(ctx)
		}()
	}

	var runErr error
	if cfg.EnableAPI {
		runErr = a.Run(ctx)
		// A server that fails to start takes the workers down with it.
		cancel()
	}
	<-ctx.Done()

	wg.Wait()
	if runErr != nil {
		return runErr
	}
	slog.Info("auditrelay stopped")
	return nil
}
