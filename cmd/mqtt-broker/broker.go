package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/mqtt-session-core/internal/config"
	"github.com/life-stream-dev/mqtt-session-core/internal/database"
	"github.com/life-stream-dev/mqtt-session-core/internal/event"
	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
	"github.com/life-stream-dev/mqtt-session-core/internal/server"
	"github.com/life-stream-dev/mqtt-session-core/internal/session"
	"github.com/life-stream-dev/mqtt-session-core/internal/subscription"
)

func registryOptions(cfg config.Config, store database.Store) session.Options {
	return session.Options{
		Store:            store,
		Matcher:          subscription.NewTree(4096, time.Minute),
		MaxInflight:      cfg.Session.MaxInflight,
		RetryInterval:    config.Duration(cfg.Session.RetryInterval, 20*time.Second),
		ReapInterval:     config.Duration(cfg.Session.ReapInterval, time.Second),
		MaxSessionExpiry: config.Duration(cfg.Session.MaxSessionExpiry, 0),
		WillOnExpiry:     session.WillExpiryPolicy(cfg.Session.WillOnExpiry),
	}
}

func runBroker(ctx context.Context, path string) error {
	cfg, err := config.ReadConfig(path)
	if err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			return fmt.Errorf("%w: %s", err, path)
		}
		return fmt.Errorf("error occured while reading config: %w", err)
	}

	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogDir)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner(loggerCallback)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cleaner.Init(ctx)
	defer func() {
		cancel()
		cleaner.Clean()
		<-cleaner.Done()
	}()

	store, err := database.Open(ctx, cfg)
	if err != nil {
		logger.ErrorF("Error occured while initializing session store, details: %v", err)
		return err
	}
	cleaner.Add(event.CallableFunc(store.Close))

	registry := session.NewRegistry(registryOptions(cfg, store))
	restored, err := registry.Restore(ctx)
	if err != nil {
		logger.ErrorF("Error occured while restoring sessions, details: %v", err)
		return err
	}
	logger.InfoF("%d sessions restored", restored)

	srv := server.New(registry, server.OptionsFromConfig(cfg.Server))
	cleaner.Add(srv)
	// stop serving as soon as a shutdown signal starts the cleaner
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		cancel()
		return nil
	}))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return registry.Run(groupCtx)
	})
	group.Go(func() error {
		return srv.ListenAndServe(groupCtx)
	})
	if err := group.Wait(); err != nil {
		logger.ErrorF("Broker stopped with error: %v", err)
		return err
	}
	return nil
}
