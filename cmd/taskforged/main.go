package main

import (
	"context"
	"log"
	"os"

	"github.com/taskforge/taskforge/internal/api"
	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/engine"
	"github.com/taskforge/taskforge/internal/registry"
	"github.com/taskforge/taskforge/internal/runtime"
	"github.com/taskforge/taskforge/internal/sched"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/tasks"
	"github.com/taskforge/taskforge/internal/track"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("taskforge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := registry.New()
	tasks.Register(reg, tasks.Deps{Store: db, Logger: logger})

	pool := runtime.NewPool(cfg.Workers, cfg.QueueSize, reg, logger)
	eng := engine.New(reg, track.New(db, logger), pool, engine.NewProgressBroker(), logger, engine.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxBackoff: cfg.MaxBackoff,
		Jitter:     true,
	})
	pool.SetNotifier(eng)
	pool.Start()
	defer pool.Stop()

	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	scheduler := sched.New(db, eng, logger, cfg.SchedulerTick)
	go scheduler.Run(schedCtx)

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
