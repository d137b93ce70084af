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
	"pgflow/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.AdminAddr == "" {
		log.Fatalf("ADMIN_ADDR is off; nothing to serve")
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

	guard := ingest.NewGuard(st, ingest.Config{
		MaxPayloadBytes:     cfg.MaxPayloadBytes,
		MaxEnqueuePerMinute: cfg.MaxEnqueuePerMinute,
	})

	server := api.New(cfg, st, guard)
	httpServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: server.Router(),
	}

	log.Printf("admin api listening on %s auth=%v", cfg.AdminAddr, cfg.APIToken != "")
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
