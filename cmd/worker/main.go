package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pgflow/internal/api"
	"pgflow/internal/config"
	"pgflow/internal/ingest"
	"pgflow/internal/maintenance"
	"pgflow/internal/store"
	"pgflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.DatabaseURL, store.Options{
		MaxConnections: cfg.DBMaxConnections,
		AcquireTimeout: cfg.DBAcquireTimeout,
	})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if cfg.MigrateOnStartup {
		if err := st.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
	}

	registry := worker.NewRegistry()
	registry.RegisterWithOptions("demo_ok", worker.DemoOK, worker.HandlerOptions{
		Timeout: 5 * time.Second,
	})
	registry.RegisterWithOptions("fail_me", worker.FailMe, worker.HandlerOptions{
		Timeout: 5 * time.Second,
	})
	registry.Register("fail_hard", worker.FailNonRetryable)
	registry.RegisterWithOptions("email_send", worker.EmailSend, worker.HandlerOptions{
		Timeout:        10 * time.Second,
		MaxConcurrency: 50,
	})

	imageHandler, err := worker.NewImageHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("init image handler: %v", err)
	}
	registry.RegisterWithOptions("image_fetch_resize", imageHandler.Handle, worker.HandlerOptions{
		Timeout:        cfg.ImageDownloadTimeout + 30*time.Second,
		MaxConcurrency: 4,
	})

	go func() {
		loop := maintenance.NewLoop(cfg, st)
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("maintenance stopped: %v", err)
		}
	}()

	// The admin surface can ride along with the worker for single-process
	// deployments; ADMIN_ADDR=off disables it.
	if cfg.AdminAddr != "" {
		guard := ingest.NewGuard(st, ingest.Config{
			MaxPayloadBytes:     cfg.MaxPayloadBytes,
			MaxEnqueuePerMinute: cfg.MaxEnqueuePerMinute,
		})
		httpServer := &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: api.New(cfg, st, guard).Router(),
		}
		go func() {
			log.Printf("admin api listening on %s", cfg.AdminAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("admin api stopped: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	processor := worker.NewProcessor(cfg, st, registry)
	log.Printf("worker %s started queue=%s lease=%ds batch=%d reap_interval=%s",
		cfg.WorkerID, cfg.Queue, cfg.LeaseSeconds, cfg.DequeueBatchSize, cfg.ReapInterval)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}
