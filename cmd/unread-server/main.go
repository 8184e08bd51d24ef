package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/carelink/unreadsync/internal/config"
	"github.com/carelink/unreadsync/internal/httpapi"
	"github.com/carelink/unreadsync/internal/inbox"
	"github.com/carelink/unreadsync/internal/logging"
	"github.com/carelink/unreadsync/internal/metrics"
	"github.com/carelink/unreadsync/internal/storage"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	addr := flag.String("addr", listenAddr(cfg.Port), "listen address")
	stateDSN := flag.String("state", envOrDefault("UNREADSYNC_SERVER_STATE_DSN", "memory://"), "inbox state DSN (memory://, file://, postgres://, redis://)")
	issueFor := flag.String("issue-token", "", "print a bearer token for this user ID and exit")
	role := flag.String("role", "patient", "role claim for -issue-token")
	ttl := flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Parse()

	logger := logging.New(cfg.Env, cfg.LogLevel)
	secret := cfg.JWTSecret
	if secret == "" {
		secret = "dev-secret"
		logger.Warn("UNREADSYNC_JWT_SECRET not set, using the development secret")
	}

	if user := strings.TrimSpace(*issueFor); user != "" {
		token, err := httpapi.IssueToken(secret, user, *role, *ttl, time.Now())
		if err != nil {
			logger.WithError(err).Fatal("failed to sign token")
		}
		fmt.Println(token)
		return
	}

	backend, err := storage.BuildBackendFromDSN(*stateDSN)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize inbox backend")
	}
	defer backend.Close()

	reg := prometheus.NewRegistry()
	server := httpapi.NewServerWithConfig(inbox.NewStoreWithOptions(inbox.StoreOptions{Backend: backend}), httpapi.ServerConfig{
		JWTSecret:          secret,
		RateLimitPerMinute: cfg.RateLimitPerMin,
		MaxBodyBytes:       int64Env("UNREADSYNC_MAX_BODY_BYTES", 0),
		SocketBuffer:       cfg.SocketBufferSize,
		OriginPatterns:     splitList(os.Getenv("UNREADSYNC_ORIGIN_PATTERNS")),
		Gatherer:           reg,
		Metrics:            metrics.NewServerMetrics(reg),
		Logger:             logging.Component(logger, "httpapi"),
	})

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("shutdown incomplete")
		}
	}()

	logger.WithFields(logrus.Fields{"addr": *addr, "state": storageScheme(*stateDSN)}).Info("unread-server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("server failed")
	}
}

func listenAddr(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return ":8080"
	}
	if strings.Contains(port, ":") {
		return port
	}
	return net.JoinHostPort("", port)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// storageScheme keeps credentials in a DSN out of the logs.
func storageScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	return "file"
}
