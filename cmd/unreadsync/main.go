package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/carelink/unreadsync/internal/alert"
	"github.com/carelink/unreadsync/internal/app"
	"github.com/carelink/unreadsync/internal/config"
	"github.com/carelink/unreadsync/internal/indicator"
	"github.com/carelink/unreadsync/internal/indicator/badgefs"
	"github.com/carelink/unreadsync/internal/logging"
	"github.com/carelink/unreadsync/internal/metrics"
	"github.com/carelink/unreadsync/internal/realtime"
	"github.com/carelink/unreadsync/internal/session"
	"github.com/carelink/unreadsync/internal/storage"
	"github.com/carelink/unreadsync/internal/unread"
	"github.com/carelink/unreadsync/internal/unreadapi"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags]\n\nLines on stdin count as user gestures; SIGUSR1 marks the session hidden, SIGUSR2 visible.\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.StringVar(&cfg.APIBaseURL, "api-url", cfg.APIBaseURL, "unread API base URL")
	flag.StringVar(&cfg.SocketURL, "socket-url", cfg.SocketURL, "push channel URL (derived from api-url when empty)")
	flag.BoolVar(&cfg.RealtimeEnabled, "realtime", cfg.RealtimeEnabled, "hold a push channel next to polling")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	flag.StringVar(&cfg.UserID, "user", cfg.UserID, "signed-in user ID")
	flag.StringVar(&cfg.Role, "role", cfg.Role, "signed-in user role (doctor or patient)")
	flag.DurationVar(&cfg.PollInterval, "interval", cfg.PollInterval, "poll interval")
	flag.Float64Var(&cfg.PollJitter, "interval-jitter", cfg.PollJitter, "poll interval jitter ratio (0.0-1.0)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "per-request timeout")
	flag.StringVar(&cfg.StateDSN, "state", cfg.StateDSN, "badge state DSN (memory://, file://, postgres://, redis://)")
	flag.StringVar(&cfg.FaviconPath, "favicon", cfg.FaviconPath, "PNG icon to overlay with the count")
	flag.StringVar(&cfg.FaviconTarget, "favicon-target", cfg.FaviconTarget, "where to write the overlaid icon (defaults to -favicon)")
	flag.StringVar(&cfg.TabScope, "tab-scope", cfg.TabScope, "scope shown on the icon and title")
	flag.StringVar(&cfg.StatusDir, "status-dir", cfg.StatusDir, "directory for per-scope status files")
	flag.StringVar(&cfg.MountDir, "mount", cfg.MountDir, "mount a read-only badge filesystem here")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve prometheus metrics on this address")
	flag.BoolVar(&cfg.AlwaysShow, "always-show", cfg.AlwaysShow, "raise desktop notifications while visible")
	flag.BoolVar(&cfg.RequireGesture, "require-gesture", cfg.RequireGesture, "keep sound muted until the first stdin line")
	once := flag.Bool("once", false, "poll once, print the counts and exit")
	flag.Parse()

	logger := logging.New(cfg.Env, cfg.LogLevel)
	if strings.TrimSpace(cfg.Token) == "" {
		logger.Fatal("token is required (--token or UNREADSYNC_TOKEN)")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		logger.Fatal("user is required (--user or UNREADSYNC_USER_ID)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once, logger); err != nil {
		logger.WithError(err).Fatal("unreadsync failed")
	}
}

func run(ctx context.Context, cfg *config.Config, once bool, logger *logrus.Logger) error {
	backend, err := storage.BuildBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return fmt.Errorf("open state backend: %w", err)
	}
	defer backend.Close()

	reg := prometheus.NewRegistry()
	clientMetrics := metrics.NewClientMetrics(reg)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	api := unreadapi.NewHTTPClient(cfg.APIBaseURL, "", &http.Client{Timeout: cfg.RequestTimeout})
	socketURL := cfg.SocketURL
	if socketURL == "" {
		socketURL = deriveSocketURL(cfg.APIBaseURL)
	}
	agent := app.New(app.Options{
		API:            app.HTTPAPI(api),
		Backend:        backend,
		Transport:      realtime.SelectTransport(realtime.Config{URL: socketURL, Disabled: !cfg.RealtimeEnabled}),
		Bindings:       buildBindings(cfg, os.Stdout),
		Sounder:        buildSounder(cfg),
		Notifier:       alert.NewCommandNotifier(cfg.NotifyCommand, "CareLink"),
		AlwaysShow:     cfg.AlwaysShow,
		RequireGesture: cfg.RequireGesture,
		PollInterval:   cfg.PollInterval,
		PollJitter:     cfg.PollJitter,
		RequestTimeout: cfg.RequestTimeout,
		RetryDelay:     cfg.RetryDelay,
		MaxAttempts:    cfg.MaxAttempts,
		Logger:         logging.Component(logger, "agent"),
		Metrics:        clientMetrics,
	})
	defer agent.Close()

	if once {
		agent.SetIdentity(session.Identity{UserID: cfg.UserID, Role: cfg.Role, Token: cfg.Token})
		if err := agent.Refresh(ctx); err != nil {
			return err
		}
		fmt.Printf("notifications=%d messages=%d\n", agent.Notifications.Get(), agent.Messages.Get())
		return nil
	}

	if cfg.MountDir != "" {
		server, err := badgefs.Mount(cfg.MountDir, badgefs.NewRoot(agent.Notifications, agent.Messages), false)
		if err != nil {
			logger.WithError(err).Warn("badge mount unavailable")
		} else {
			defer func() { _ = server.Unmount() }()
			logger.WithField("dir", cfg.MountDir).Info("badge filesystem mounted")
		}
	}

	go func() {
		if err := agent.Start(ctx); err != nil {
			logger.WithError(err).Warn("state watch stopped")
		}
	}()
	agent.SetIdentity(session.Identity{UserID: cfg.UserID, Role: cfg.Role, Token: cfg.Token})
	go watchVisibility(ctx, agent.Visibility(), logger)
	go func() {
		if err := readCommands(ctx, os.Stdin, agent); err != nil {
			logger.WithError(err).Debug("stdin closed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"user_id":  cfg.UserID,
		"api":      cfg.APIBaseURL,
		"realtime": cfg.RealtimeEnabled,
	}).Info("unreadsync running")
	<-ctx.Done()
	logger.Info("unreadsync stopping")
	return nil
}

// deriveSocketURL maps the API base URL onto its /socket endpoint.
func deriveSocketURL(apiURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil || parsed.Host == "" {
		return ""
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/socket"
	parsed.RawQuery = ""
	return parsed.String()
}

func buildBindings(cfg *config.Config, out io.Writer) []app.Binding {
	var tab indicator.Multi
	if cfg.FaviconPath != "" {
		tab = append(tab, indicator.NewFaviconRenderer(cfg.FaviconPath, cfg.FaviconTarget))
	}
	if cfg.TitleEnabled {
		if title := indicator.NewTitleRenderer(out, indicator.TitleOptions{Force: cfg.TitleForce}); title.Enabled() {
			tab = append(tab, title)
		}
	}
	var bindings []app.Binding
	if len(tab) > 0 {
		bindings = append(bindings, app.Binding{Scope: unread.NormalizeScope(cfg.TabScope), Renderer: tab})
	}
	if cfg.StatusDir != "" {
		for _, scope := range []string{unread.ScopeNotifications, unread.ScopeMessages} {
			bindings = append(bindings, app.Binding{
				Scope:    scope,
				Renderer: indicator.NewStatusFileRenderer(filepath.Join(cfg.StatusDir, scope), ""),
			})
		}
	}
	return bindings
}

func buildSounder(cfg *config.Config) alert.Sounder {
	if strings.TrimSpace(cfg.SoundCommand) != "" {
		return alert.NewCommandSounder(cfg.SoundCommand)
	}
	return &alert.BellSounder{Out: os.Stderr}
}

type commander interface {
	Gesture(ctx context.Context)
	Refresh(ctx context.Context) error
	MarkRead(ctx context.Context, scope string, ids []string) error
}

// readCommands treats every stdin line as a user gesture. "refresh" polls
// now; "read <scope> [ids...]" marks items read.
func readCommands(ctx context.Context, in io.Reader, agent commander) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		agent.Gesture(ctx)
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "refresh":
			_ = agent.Refresh(ctx)
		case "read":
			if len(fields) < 2 {
				continue
			}
			_ = agent.MarkRead(ctx, unread.NormalizeScope(fields[1]), fields[2:])
		}
	}
	return scanner.Err()
}

// watchVisibility maps SIGUSR1 to hidden and SIGUSR2 to visible.
func watchVisibility(ctx context.Context, vis *session.Visibility, logger logrus.FieldLogger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGUSR1, unix.SIGUSR2)
	defer signal.Stop(signals)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			vis.SetHidden(sig == unix.SIGUSR1)
			logger.WithField("hidden", vis.Hidden()).Debug("visibility changed")
		}
	}
}
