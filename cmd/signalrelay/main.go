package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge/pkg/config"
	"callbridge/pkg/metrics"
	"callbridge/pkg/relay"
	"callbridge/pkg/util"
)

var logger = logrus.New()

func main() {
	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.ConfigureLogger(logger)

	metrics.StartMetrics(logger, cfg.HTTP.MetricsEnabled)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	hub := relay.NewSignalHub(logger)
	go hub.Run(rootCtx)

	mux := http.NewServeMux()
	relay.NewServer(hub, logger).Routes(mux)
	if cfg.HTTP.MetricsEnabled {
		mux.Handle("/metrics", metrics.GetHandler())
	}

	server := &http.Server{
		Addr:        cfg.HTTP.ListenAddr,
		Handler:     mux,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		// No WriteTimeout: signaling connections are long-lived WebSockets.
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Relay server failed")
		}
	}()

	logger.WithField("listen_addr", cfg.HTTP.ListenAddr).Info("Signaling relay started")

	shutdown := util.NewGracefulShutdown(logger, 15*time.Second)
	shutdown.Register(util.ShutdownResource{
		Name:     "relay-server",
		Priority: 10,
		Shutdown: server.Shutdown,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Shutdown signal received")

	rootCancel()
	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}
