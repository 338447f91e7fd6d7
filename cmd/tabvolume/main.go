package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tabvolume/internal/api"
	"github.com/dgnsrekt/tabvolume/internal/browser"
	"github.com/dgnsrekt/tabvolume/internal/cdpcontrol"
	"github.com/dgnsrekt/tabvolume/internal/config"
	"github.com/dgnsrekt/tabvolume/internal/feed"
	"github.com/dgnsrekt/tabvolume/internal/netutil"
	"github.com/dgnsrekt/tabvolume/internal/system"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("tabvolume config loaded",
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.AutoFallback,
		"port_candidates", cfg.PortCandidates,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"request_timeout_ms", cfg.RequestTimeoutMS,
		"poll_interval_ms", cfg.PollIntervalMS,
		"scan_interval_ms", cfg.ScanIntervalMS,
		"max_volume", cfg.MaxVolume,
		"launch_browser", cfg.LaunchBrowser,
		"filter_file", cfg.FilterFile,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	filters, err := config.LoadFilters(cfg.FilterFile)
	if err != nil {
		slog.Error("failed to load filters", "path", cfg.FilterFile, "error", err)
		os.Exit(1)
	}

	if err := run(cfg, filters); err != nil {
		slog.Error("tabvolume stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, filters *config.Filters) error {
	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURLs:  filters.StartupURLs,
			ProfileDir: cfg.BrowserProfileDir,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			return err
		}
		defer func() {
			if launcher.Running() {
				launcher.Stop()
			}
		}()
	}

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.AutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		return err
	}

	cdpClient := cdpcontrol.NewClient(cfg.CDPURL(), cfg.EvalTimeout(), cfg.PollInterval())
	if err := cdpClient.Connect(context.Background()); err != nil {
		slog.Error("failed to connect CDP client", "cdp_url", cfg.CDPURL(), "error", err)
		return err
	}
	defer func() {
		if err := cdpClient.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()

	offscreen := cdpcontrol.NewOffscreenHost(cfg.CDPURL(), cfg.EvalTimeout())
	defer func() {
		if err := offscreen.Close(); err != nil {
			slog.Debug("offscreen host close failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := feed.NewBroker()
	sys, err := system.Start(ctx, system.Hosts{
		Inventory:   cdpClient,
		Permissions: cdpClient,
		Engine:      offscreen,
		Activator:   cdpClient,
		Audio:       cdpcontrol.NewCaptureContext(offscreen),
		Devices:     cdpClient,
		Pages:       cdpClient,
	}, system.Options{
		RequestTimeout: cfg.RequestTimeout(),
		ScanInterval:   cfg.ScanInterval(),
		MaxVolume:      cfg.MaxVolume,
		Filters:        filters,
		Broker:         broker,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(sys.Panel, broker)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cdpClient.Run(gctx) })
	g.Go(sys.Wait)
	g.Go(func() error {
		slog.Info("tabvolume listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("tabvolume shutdown failed", "error", err)
		}
		return sys.Stop()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
