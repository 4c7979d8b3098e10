package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lpernett/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Perceptus-Labs/geocapture/handlers"
	"github.com/Perceptus-Labs/geocapture/store"
	"github.com/Perceptus-Labs/geocapture/utils"
)

// Load environment variables from .env file
func init() {
	if err := godotenv.Load(); err != nil {
		// The logger is not configured yet.
		os.Stderr.WriteString("No .env file loaded, using process environment\n")
	}
}

func main() {
	cfg, err := utils.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("Invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Set up logging
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.Level = cfg.ZapLevel()
	logger, err := zapCfg.Build()
	if err != nil {
		os.Stderr.WriteString("Failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	logger.Info("Server Version: geocapture",
		zap.Int("height", cfg.Height),
		zap.Int("width", cfg.Width),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("labels", len(cfg.Labels)))

	captureStore, err := store.NewCaptureStore(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("Failed to open capture store", zap.Error(err))
	}

	zone, err := utils.LoadZone(cfg.ZoneFile)
	if err != nil {
		logger.Warn("Ignoring invalid zone file", zap.String("zone_file", cfg.ZoneFile), zap.Error(err))
		zone = nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := utils.NewMetrics(reg)

	opts := []handlers.SessionOption{handlers.WithZone(zone), handlers.WithMetrics(metrics)}

	// Set up Redis connection; captures still work without it
	var redisClient *redis.Client
	if cfg.RedisHost != "" {
		redisClient, err = utils.NewRedisClient(context.Background(), cfg)
		if err != nil {
			logger.Warn("Capture index disabled", zap.Error(err))
		} else {
			logger.Info("Successfully connected to Redis")
			index := utils.NewCaptureIndex(redisClient, "")
			n, err := index.Reindex(context.Background(), captureStore.Records())
			if err != nil {
				logger.Warn("Failed to rebuild capture index", zap.Error(err))
			} else {
				logger.Info("Capture index rebuilt", zap.Int("records", n))
			}
			opts = append(opts, handlers.WithIndex(index))
		}
	}

	session, err := handlers.NewCaptureSession(cfg, captureStore, opts...)
	if err != nil {
		logger.Fatal("Failed to create capture session", zap.Error(err))
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(session, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Set up signal handling
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverExit := make(chan struct{})

	// Start HTTP server in a goroutine
	go func() {
		defer close(serverExit)
		logger.Info("Starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
		}
	}()

	select {
	case <-stop:
		logger.Info("Shutting down server...")
	case <-serverExit:
		logger.Info("Server exited unexpectedly...")
	}

	if err := shutdown(server, redisClient); err != nil {
		logger.Error("Unclean shutdown", zap.Error(err))
		return
	}
	logger.Info("Server shut down gracefully")
}

func shutdown(server *http.Server, redisClient *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := server.Shutdown(ctx)
	if redisClient != nil {
		err = multierr.Append(err, redisClient.Close())
	}
	return err
}
