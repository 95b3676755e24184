package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/osgrid/talon/internal/component"
	"github.com/osgrid/talon/internal/config"
	"github.com/osgrid/talon/internal/db"
	"github.com/osgrid/talon/internal/db/repository"
	"github.com/osgrid/talon/internal/job_tracer"
	"github.com/osgrid/talon/internal/quota"
	"github.com/osgrid/talon/internal/recovery"
	"github.com/osgrid/talon/internal/service/logger"
	"github.com/osgrid/talon/internal/worker"
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
	storage, err := component.GetStorage(cfg.STORAGE_TYPE)
	if err != nil {
		log.Fatalf("storage initialization error: %v", err)
	}
	queue, err := component.GetQueue(cfg.QUEUE_TYPE)
	if err != nil {
		log.Fatalf("queue initialization error: %v", err)
	}

	qcfg, err := config.GetQuotaConfig()
	if err != nil {
		log.Fatalf("quota config error: %v", err)
	}
	tcfg, err := config.GetThrottleConfig()
	if err != nil {
		log.Fatalf("throttle config error: %v", err)
	}
	wcfg, err := config.GetWorkerConfig()
	if err != nil {
		log.Fatalf("worker config error: %v", err)
	}

	jobRepo := repository.NewJobRepository(d)
	recRepo := repository.NewRecoveryRepository(d)

	checker := quota.NewChecker(jobRepo, jobRepo, quota.Limits{
		MaxSystemJobs:     qcfg.MAX_SYSTEM_JOBS,
		MaxSystemUserJobs: qcfg.MAX_SYSTEM_USER_JOBS,
		MaxQueueJobs:      qcfg.MAX_QUEUE_JOBS,
		MaxQueueUserJobs:  qcfg.MAX_QUEUE_USER_JOBS,
	})

	systems := worker.NewCacheSystemsClient(cache)
	remote := worker.NewLoopbackClient(systems)

	w := worker.New(jobRepo, recRepo, storage, queue, checker, remote, wcfg, tcfg)
	if err := w.Start(ctx); err != nil {
		log.Fatalf("worker start error: %v", err)
	}

	reaper := worker.NewReaper(jobRepo, recRepo, queue,
		recovery.TesterDeps{Systems: systems, Quota: checker},
		time.Duration(wcfg.REAPER_INTERVAL_SECONDS)*time.Second,
		time.Duration(wcfg.MIN_RECOVERY_WAIT_SECONDS)*time.Second,
	)
	go reaper.Run(ctx)

	logger.Log.Info().Int("workers", wcfg.WORKER_COUNT).Msg("worker pool started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("trying to shut down worker gracefully..")
	cancel()

	w.Stop()

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()

	var wg sync.WaitGroup

	shutdown := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(sctx)
		}()
	}
	shutdown(func(context.Context) { d.Close() })
	shutdown(cache.ShutDown)
	shutdown(func(context.Context) { storage.Close() })
	shutdown(func(context.Context) { queue.Shutdown() })

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info().Msg("worker shutdown gracefully.")
	case <-sctx.Done():
		logger.Log.Info().Msg("worker graceful shutdown timedout..")
	}
}
