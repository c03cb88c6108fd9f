package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"device-dispatch/internal/config"
	"device-dispatch/internal/queue"
	"device-dispatch/internal/reconcile"
	"device-dispatch/internal/store"
	"device-dispatch/internal/telemetry"
	"device-dispatch/internal/translate"
	"device-dispatch/internal/webhook"
	"device-dispatch/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	notifier := webhook.New(st, cfg.WebhookTimeout, cfg.WebhookMaxFailures, cfg.WebhookBuffer)
	go notifier.Run(ctx)

	reconciler := reconcile.New(st, notifier)
	translator := translate.New(cfg.DefaultCountryCode)
	channel := worker.NewHTTPChannel(cfg.DeviceAgentURL)

	dispatcher := worker.NewDispatcher(cfg, q, st, translator, channel, reconciler, notifier)

	stager, err := worker.NewMediaStager(ctx, cfg)
	if err != nil {
		log.Fatalf("init media stager: %v", err)
	}
	dispatcher.SetStager(stager)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started categories=%v workers=%d visibility=%s",
		cfg.Categories, cfg.WorkersPerCategory, cfg.VisibilityTimeout)

	var wg sync.WaitGroup
	for _, category := range cfg.Categories {
		for i := 0; i < cfg.WorkersPerCategory; i++ {
			wg.Add(1)
			go func(cat string) {
				defer wg.Done()
				if err := dispatcher.Run(ctx, cat); err != nil && err != context.Canceled {
					log.Printf("dispatcher %s stopped: %v", cat, err)
				}
			}(category)
		}
	}
	wg.Wait()
}
