package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/iuuwatch/internal/streamcheck"
	"github.com/okian/iuuwatch/pkg/logger"
)

// Default configuration constants.
const (
	defaultDuration  = 2 * time.Minute
	defaultTimeout   = 10 * time.Second
	defaultPageLimit = 500
)

func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:8080", "Base URL of the service")
		duration   = flag.Duration("duration", defaultDuration, "How long to watch the stream")
		count      = flag.Int("count", 0, "Stop after this many alerts")
		timeout    = flag.Duration("timeout", defaultTimeout, "HTTP and dial timeout")
		limit      = flag.Int("limit", defaultPageLimit, "Page size for the REST cross-check")
		crossCheck = flag.Bool("cross-check", true, "Compare streamed ids with GET /alerts")
		trigger    = flag.Bool("trigger", false, "Start a cycle before watching")
		verbose    = flag.Bool("verbose", false, "Log every received alert")
		help       = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		streamcheck.ShowHelp()
		return
	}

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := &streamcheck.Config{
		BaseURL:    *baseURL,
		Duration:   *duration,
		MaxAlerts:  *count,
		Timeout:    *timeout,
		PageLimit:  *limit,
		CrossCheck: *crossCheck,
		Trigger:    *trigger,
		Verbose:    *verbose,
	}

	stats, err := streamcheck.Run(ctx, cfg)
	streamcheck.Print(os.Stdout, stats, err)
	if err != nil {
		logger.Get().Error(ctx, "stream check failed", logger.Error(err))
		os.Exit(1)
	}
}
