package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/iuuwatch/internal/adapters/http/api"
	"github.com/okian/iuuwatch/internal/adapters/http/stream"
	"github.com/okian/iuuwatch/internal/app"
	"github.com/okian/iuuwatch/internal/config"
	"github.com/okian/iuuwatch/internal/supervisor"
	"github.com/okian/iuuwatch/pkg/logger"
)

// HTTP server timeout constants. WriteTimeout stays zero because /ws holds
// the connection open.
const (
	readTimeout       = 10 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func run() error {
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := logger.Init(); err != nil {
		return errors.New("failed to initialize logging: " + err.Error())
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		return errors.New("failed to initialize logging: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	svc, err := app.New(ctx, cfg, app.WithLogger(log))
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	publisher := stream.NewPublisher(svc.Store(),
		stream.WithInterval(cfg.StreamPollInterval),
		stream.WithBatchLimit(cfg.StreamBatchLimit),
	)
	ws := stream.NewHandler(publisher, nil)

	apiServer := api.NewServer(svc,
		api.WithMaxLimit(cfg.MaxAlertsLimit),
		api.WithStream(ws),
		api.WithBusyCheck(func(err error) bool { return errors.Is(err, app.ErrCycleInProgress) }),
	)
	srv := newHTTPServer(cfg.Addr, apiServer.Router(ctx))
	srv.RegisterOnShutdown(ws.Close)

	tree := supervisor.NewTree(logger.Slog(), treeConfig(cfg))
	tree.AddIngestService(svc.Pipeline())
	tree.AddIngestService(supervisor.NewRuntimeSampler(0))
	tree.AddAPIService(supervisor.NewHTTPService(srv, cfg.ShutdownTimeout))

	log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, "supervisor stopped", logger.Error(err))
	}

	log.Info(ctx, "shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+cfg.MaxCycleDuration)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error(ctx, "service shutdown failed", logger.Error(err))
		return err
	}
	log.Info(ctx, "stopped")
	return nil
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// treeConfig gives supervised services long enough to finish an in-flight
// cycle on shutdown.
func treeConfig(cfg *config.Config) supervisor.TreeConfig {
	tc := supervisor.DefaultTreeConfig()
	tc.ShutdownTimeout = cfg.MaxCycleDuration + cfg.ShutdownTimeout
	return tc
}
