package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"segarstok/backend/internal/cache"
	"segarstok/backend/internal/config"
	"segarstok/backend/internal/httpapi"
	"segarstok/backend/internal/notify"
	"segarstok/backend/internal/service"
	"segarstok/backend/internal/store"
	"segarstok/backend/internal/store/memory"
	pgstore "segarstok/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("could not load .env: %v", err)
	}

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	returnCache := cache.ReturnCache(cache.NewNoop())
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReturnCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			returnCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	var channel notify.Channel = notify.LogChannel{}
	if cfg.SMTPHost != "" {
		channel = notify.NewSMTPChannel(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		log.Println("notifications: smtp")
	} else {
		log.Println("notifications: log only")
	}

	backoff := make([]time.Duration, 0, len(cfg.NotifyBackoffSeconds))
	for _, seconds := range cfg.NotifyBackoffSeconds {
		backoff = append(backoff, time.Duration(seconds)*time.Second)
	}
	dispatcher := notify.NewDispatcher(repo, channel, cfg.AlertRecipients, notify.Options{
		MaxAttempts: cfg.NotifyMaxAttempts,
		Backoff:     backoff,
	})

	svc := service.New(repo, returnCache, dispatcher, service.Options{
		AllowedPercentages: cfg.ReturnPercentages,
		RetentionDays:      cfg.ArchiveRetentionDays,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	if cfg.SweepIntervalMinutes > 0 {
		sweeper := notify.NewSweeper(repo, dispatcher, time.Duration(cfg.SweepIntervalMinutes)*time.Minute)
		go sweeper.Run(sweeperCtx)
	} else {
		log.Println("notification sweeper disabled")
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("inventory backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopSweeper()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ReturnPercentages) == 0 {
		return fmt.Errorf("RETURN_PERCENTAGES must list at least one valid percentage")
	}
	return nil
}
