package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"shiftwatch/internal/broadcast"
	"shiftwatch/internal/config"
	"shiftwatch/internal/engine"
	alertGet "shiftwatch/internal/http-server/handlers/alerts/get"
	alertResolve "shiftwatch/internal/http-server/handlers/alerts/resolve"
	attendanceRecord "shiftwatch/internal/http-server/handlers/attendance/record"
	checkinRecord "shiftwatch/internal/http-server/handlers/checkins/record"
	"shiftwatch/internal/lock"
	svc "shiftwatch/internal/service"
	"shiftwatch/internal/storage/postgres"
	slogpretty "shiftwatch/pkg/handlers/slogPretty"
	"shiftwatch/pkg/middleware/mwLogger"
	"shiftwatch/pkg/sl"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func main() {

	cfg := config.MustLoad()

	log := setupLogger(cfg.Env)

	log.Info("Starting shiftwatch", slog.String("env", cfg.Env))
	log.Debug("Debug messages are enabled")

	storage, err := postgres.New(cfg.StoragePath)
	if err != nil {
		log.Error("Failed to init storage", sl.Err(err))
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})

	locker, err := lock.NewRedisLock(redisClient)
	if err != nil {
		log.Error("Failed to init redis lock", sl.Err(err))
		os.Exit(1)
	}

	broadcaster, err := broadcast.New(redisClient, log, 2*cfg.Engine.AttentionWindow)
	if err != nil {
		log.Error("Failed to init broadcaster", sl.Err(err))
		os.Exit(1)
	}

	service := svc.NewService(storage, locker, broadcaster)

	eng := engine.New(storage, broadcaster, log, engine.Config{
		TickInterval:     cfg.Engine.TickInterval,
		ResyncInterval:   cfg.Engine.ResyncInterval,
		StartLookahead:   cfg.Engine.StartLookahead,
		AttentionWindow:  cfg.Engine.AttentionWindow,
		UpcomingInterval: cfg.Engine.UpcomingInterval,
		UpcomingHorizon:  cfg.Engine.UpcomingHorizon,
	})

	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()

	broadcaster.SubscribeShiftChanges(engineCtx, eng.NotifyChange)

	go eng.Run(engineCtx)

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(mwLogger.New(log))
	router.Use(middleware.Recoverer)
	router.Use(middleware.URLFormat)
	router.Use(CORS)

	// Recording entry points
	router.Post("/shifts/{id}/attendance", attendanceRecord.New(log, service))
	router.Post("/shifts/{id}/checkins", checkinRecord.New(log, service))

	// Alerts
	router.Get("/alerts", alertGet.New(log, service))
	router.Post("/alerts/{id}/resolve", alertResolve.New(log, service))

	serv := &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	serverErrCh := make(chan error, 1)

	go func() {
		log.Info("Starting HTTP server", slog.String("addr", cfg.Address))
		if err := serv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		} else {
			serverErrCh <- nil
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case err := <-serverErrCh:
		if err != nil {
			log.Error("HTTP server stopped unexpectedly", sl.Err(err))
		} else {
			log.Info("HTTP server stopped gracefully")
		}
	}

	stopEngine()

	shutdownTimeout := cfg.HTTPServer.ShutdownTimeout

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info("Shutting down HTTP server", slog.String("timeout", shutdownTimeout.String()))

	if err := serv.Shutdown(ctx); err != nil {
		log.Error("Server shutdown failed", sl.Err(err))
	} else {
		log.Info("Server shutdown complete")
	}

	if storage != nil {
		if err := storage.Close(); err != nil {
			log.Error("Failed to close storage", sl.Err(err))
		} else {
			log.Info("Storage closed")
		}
	}

	if err := redisClient.Close(); err != nil {
		log.Error("Failed to close redis client", sl.Err(err))
	}

	log.Info("Shutdown finished, server stopped")

}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger
	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}
