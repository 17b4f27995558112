package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbdiffproxy/dbdiffproxy/internal/api"
	"github.com/dbdiffproxy/dbdiffproxy/internal/config"
	"github.com/dbdiffproxy/dbdiffproxy/internal/diff"
	"github.com/dbdiffproxy/dbdiffproxy/internal/metrics"
	"github.com/dbdiffproxy/dbdiffproxy/internal/proxy"
)

func main() {
	configPath := flag.String("config", "configs/dbdiffproxy.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	slog.Info("dbdiffproxy starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath,
		"main", cfg.Backends.Main.Name, "others", len(cfg.Backends.Others))

	m := metrics.New()

	var others []string
	for _, o := range cfg.Backends.Others {
		others = append(others, o.Name)
	}
	diffCfg := cfg.Diff.ToDiffConfig()
	r := diff.NewRouter(diffCfg, cfg.Backends.Main.Name, others, cfg.Diff.ReplicaServer, diff.NoopRewirer{}, nil, nil)

	sink := diff.NewMultiSink()
	if cfg.Diff.ExportPath != "" {
		sink.SetExporter(cfg.Backends.Main.Name, diff.NewFileExporter(cfg.Diff.ExportPath, 100, 5, 30, true))
		for _, o := range cfg.Backends.Others {
			sink.SetExporter(o.Name, diff.NewFileExporter(cfg.Diff.ExportPath, 100, 5, 30, true))
		}
	}

	proxyServer := proxy.NewServer(r, cfg.Backends, cfg.Diff, m, sink, cfg.Listen)
	if err := proxyServer.Listen(cfg.Listen.MySQLPort); err != nil {
		slog.Error("failed to start mysql proxy", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(r, m, cfg.Listen)
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start admin api", "error", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("configuration reload observed; restart required to apply backend/listener changes",
			"path", *configPath)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "error", err)
	}

	slog.Info("dbdiffproxy ready", "mysql_port", cfg.Listen.MySQLPort, "api_port", cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	_ = apiServer.Stop()
	proxyServer.Stop()
	if err := sink.Close(); err != nil {
		slog.Warn("error closing report exporters", "error", err)
	}

	slog.Info("dbdiffproxy stopped")
}
