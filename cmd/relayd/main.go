// relayd runs the relay: the HTTP sync surface plus the websocket hub.
//
// Configuration comes from the environment:
//
//	PORT            listen port (default 8080)
//	JWT_SECRET      session token secret (required)
//	REDIS_ADDR      redis address; empty selects the in-process store
//	REDIS_PASSWORD  redis password
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/relay"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logrus.Fatal("JWT_SECRET environment variable is required")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("store initialization failed")
	}
	defer store.Close()

	server := relay.NewServer(store, relay.NewAuthenticator([]byte(secret)))
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"port":     port,
		}).Info("relay listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("relay server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("graceful shutdown failed")
	}
}

// openStore selects the canonical store: Redis when configured, the
// in-process store otherwise.
func openStore(ctx context.Context) (relay.Store, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		logrus.Info("REDIS_ADDR not set, using in-process store")
		return relay.NewMemoryStore(), nil
	}
	return relay.OpenRedisStore(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0)
}
