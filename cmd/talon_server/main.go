package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/osgrid/talon/internal/component"
	"github.com/osgrid/talon/internal/config"
	"github.com/osgrid/talon/internal/db"
	"github.com/osgrid/talon/internal/job_tracer"
	"github.com/osgrid/talon/internal/service/logger"
	"github.com/osgrid/talon/internal/web"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	if cfg.TRACE_URL != "" {
		shutdownTracer := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		defer shutdownTracer()
	}
	job_tracer.InitMeters()

	pgCfg, err := config.GetPostgresConfig()
	if err != nil {
		log.Fatalf("postgres config error: %v", err)
	}
	d, err := db.New(ctx, pgCfg.URL)
	if err != nil {
		log.Fatalf("db initialization error: %v", err)
	}

	cache, err := component.GetCache(ctx, cfg.CACHE_TYPE)
	if err != nil {
		log.Fatalf("cache initialization error: %v", err)
	}

	queue, err := component.GetQueue(cfg.QUEUE_TYPE)
	if err != nil {
		log.Fatalf("queue initialization error: %v", err)
	}

	tcfg, err := config.GetThrottleConfig()
	if err != nil {
		log.Fatalf("throttle config error: %v", err)
	}

	server, err := web.NewServer(ctx, d, cache, queue, tcfg)
	if err != nil {
		log.Fatalf("server initialization error: %v", err)
	}

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", srv.Addr).Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("trying to shutdown server gracefully...")

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	server.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup

	shutdown := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	shutdown(func(context.Context) { d.Close() })
	shutdown(cache.ShutDown)
	shutdown(func(context.Context) { queue.Shutdown() })

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info().Msg("server shutdown gracefully.")
	case <-ctx.Done():
		logger.Log.Info().Msg("server graceful shutdown timedout..")
	}
}
