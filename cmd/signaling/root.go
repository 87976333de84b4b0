package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mossy-p/webrtc-call/config"
	"github.com/mossy-p/webrtc-call/internal/handlers"
	"github.com/mossy-p/webrtc-call/internal/logger"
	"github.com/mossy-p/webrtc-call/internal/redis"
)

const shutdownTimeout = 10 * time.Second

// RootCmd runs the signaling relay
var RootCmd = &cobra.Command{
	Use:   "signaling",
	Short: "WebRTC signaling relay with rooms and match-making",
	RunE:  runServer,
}

// runServer serves HTTP and websocket signaling until SIGINT or SIGTERM.
func runServer(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	entry := log.WithField("service", "signaling")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	store, err := redis.Connect(ctx, cfg.Redis, entry)
	if err != nil {
		entry.WithField("err", err).Error("Failed to connect to Redis")
		return err
	}
	defer store.Close()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := handlers.NewHub(store, entry)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.NewRouter(cfg, store, hub, entry),
	}

	errCh := make(chan error, 1)
	go func() {
		entry.WithFields(logrus.Fields{
			"port":        cfg.Port,
			"environment": cfg.Environment,
			"redis":       cfg.Redis.Addr(),
		}).Info("Starting WebRTC signaling server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			entry.WithField("err", err).Error("Server stopped")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	entry.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
