package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aribuy/apms-sub002/internal/app"
	"github.com/aribuy/apms-sub002/internal/archive"
	"github.com/aribuy/apms-sub002/internal/cache"
	"github.com/aribuy/apms-sub002/internal/config"
	"github.com/aribuy/apms-sub002/internal/email"
	"github.com/aribuy/apms-sub002/internal/export"
	"github.com/aribuy/apms-sub002/internal/search"
	"github.com/aribuy/apms-sub002/internal/store"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Addr = addr
			}
			if mode, _ := cmd.Flags().GetString("store"); mode != "" {
				cfg.Store = mode
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, slog.Default())
		},
	}
	cmd.Flags().String("addr", "", "listen address; defaults to API_ADDR")
	cmd.Flags().String("store", "", "postgres or memory; defaults to ATP_STORE")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var (
		dataStore app.Store
		fallback  search.Searcher
	)
	switch cfg.Store {
	case "memory":
		memory := store.NewMemoryStore()
		dataStore = memory
		fallback = search.NewScan(memory)
		logger.Warn("using in-memory store, data is lost on restart")
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		dataStore = store.NewPostgresStore(db)
		fallback = search.NewPgFTS(db)
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}

	var primary search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		closers = append(closers, meiliClient.Close)
		primary = meiliClient
	}
	searchService := search.NewService(primary, fallback, logger)
	closers = append(closers, searchService.Wait)

	deps := app.Dependencies{
		Search:       searchService,
		Certificates: export.NewService(export.ChromePDF{Timeout: 30 * time.Second}),
		Logger:       logger,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = client.Close() })
		deps.Cache = cache.NewReadModelCache(client, cfg.ReadModelTTL)
		deps.SLA = cache.NewSLATracker(client)
		deps.Events = cache.NewPublisher(client)
		logger.Info("redis enabled", "cache", true, "slaIndex", true, "events", cache.TransitionChannel)
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		certArchive, err := archive.NewMinioArchive(archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
		if err := certArchive.EnsureBucket(ctx); err != nil {
			logger.Warn("certificate bucket unavailable, archiving disabled", "bucket", cfg.MinioBucket, "err", err)
		} else {
			deps.Archive = certArchive
		}
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		deps.Mail = mailer
	} else {
		logger.Info("smtp not configured, notifications disabled")
	}

	service := app.New(cfg, dataStore, deps)
	closers = append(closers, service.Wait)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap failed, derived state rebuilds on next restart", "err", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ATP API listening", "addr", cfg.Addr, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	return nil
}
