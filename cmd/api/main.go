package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	api "device-dispatch/internal/api"
	"device-dispatch/internal/config"
	"device-dispatch/internal/queue"
	"device-dispatch/internal/quota"
	"device-dispatch/internal/reconcile"
	"device-dispatch/internal/session"
	"device-dispatch/internal/store"
	"device-dispatch/internal/translate"
	"device-dispatch/internal/webhook"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	quotaRedis := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := quota.NewLimiter(quotaRedis, cfg.QuotaCapacity, cfg.QuotaRefill, time.Hour)

	notifier := webhook.New(st, cfg.WebhookTimeout, cfg.WebhookMaxFailures, cfg.WebhookBuffer)
	go notifier.Run(ctx)

	reconciler := reconcile.New(st, notifier)
	translator := translate.New(cfg.DefaultCountryCode)

	sessions := session.NewTracker()
	reaper := session.NewReaper(sessions, st, cfg.SessionStaleAfter, cfg.ReaperInterval)
	go reaper.Run(ctx)

	server := api.New(cfg, st, q, reconciler, translator, limiter, quota.AllowAll{}, sessions, notifier)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
