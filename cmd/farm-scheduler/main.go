package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manumohan/farm-automation/common/database"
	"github.com/manumohan/farm-automation/common/logger"
	"github.com/manumohan/farm-automation/internal/config"
	"github.com/manumohan/farm-automation/internal/conflict"
	httpapi "github.com/manumohan/farm-automation/internal/http"
	"github.com/manumohan/farm-automation/internal/metrics"
	"github.com/manumohan/farm-automation/internal/repository"
	"github.com/manumohan/farm-automation/internal/service"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid config: %v", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "farm-scheduler")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	m := metrics.New()
	scheduleService := service.NewScheduleService(
		db,
		repository.NewPeripheralRepository(db, log),
		repository.NewScheduleRepository(db, log),
		conflict.Config{LookAhead: cfg.Schedule.LookAhead, Location: cfg.Location()},
		m,
		log,
	)

	router := httpapi.NewRouter(log)
	router.RegisterScheduleRoutes(httpapi.NewScheduleHandler(scheduleService, log))
	router.RegisterOpsRoutes(m.Handler())

	apiServer := service.NewServer("api", cfg.HTTP.Addr, router, log)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serverErrChan:
		log.Error("API server error", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Stop(ctx); err != nil {
		log.Error("Error stopping API server", zap.Error(err))
	}

	log.Info("Scheduler stopped")
}
