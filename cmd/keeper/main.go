package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AltairaLabs/keeper/internal/config"
	"github.com/AltairaLabs/keeper/internal/framework"
	"github.com/AltairaLabs/keeper/internal/mcptools"
	"github.com/AltairaLabs/keeper/internal/service"
	"github.com/AltairaLabs/keeper/internal/service/grpcconn"
	"github.com/AltairaLabs/keeper/internal/service/zkconn"
	"github.com/AltairaLabs/keeper/internal/tracer"
)

const (
	appVersion      = "0.1.0"
	connectTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

var (
	version     = flag.Bool("version", false, "Print version and exit")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	httpMode    = flag.Bool("http", false, "Enable HTTP/SSE transport instead of stdio")
	configPath  = flag.String("config", "", "Path to a YAML config file")
	transport   = flag.String("transport", "zk", "Service transport: zk or relay")
	relayAddr   = flag.String("relay", "localhost:50060", "Relay address when -transport=relay")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("keeper v%s\n", appVersion)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	logger.Info("Starting keeper",
		"version", appVersion,
		"debug", *debug,
		"connect", cfg.Connect,
		"namespace", cfg.Namespace,
		"transport", *transport,
		"http_mode", *httpMode,
	)

	connector, closeConnector, err := newConnector(*transport, *relayAddr, logger)
	if err != nil {
		log.Fatalf("Failed to create connector: %v", err)
	}
	defer closeConnector()

	registry := prometheus.NewRegistry()
	metrics, err := tracer.NewPrometheus(registry, "keeper")
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	client, err := framework.New(cfg, connector,
		framework.WithLogger(logger),
		framework.WithTracer(tracer.Multi{metrics, tracer.NewSlog(logger)}),
	)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		log.Fatalf("Failed to start client: %v", err)
	}
	if !client.BlockUntilConnected(ctx, connectTimeout) {
		logger.Warn("Not connected yet; operations will queue until a session is established",
			"timeout", connectTimeout)
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: shutdownTimeout,
		}
		go func() {
			logger.Info("Serving metrics", "address", *metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	mcpServer := mcptools.NewServer(mcptools.Config{
		Name:    "keeper",
		Version: appVersion,
	}, client, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		var serveErr error
		if *httpMode {
			serveErr = mcpServer.ServeHTTP(":" + httpPort)
		} else {
			serveErr = mcpServer.Serve()
		}
		if serveErr != nil {
			logger.Error("MCP server error", "error", serveErr)
		}
		cancel()
	}()

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context canceled")
	}

	logger.Info("Shutting down gracefully")
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if err := client.Close(); err != nil {
		logger.Warn("Error closing client", "error", err)
	}
	logger.Info("keeper shutdown complete")
}

// newConnector builds the service connector for transport.
func newConnector(transport, relayAddr string, logger *slog.Logger) (service.Connector, func(), error) {
	switch transport {
	case "zk":
		return zkconn.Connector{Logger: logger}, func() {}, nil
	case "relay":
		c, err := grpcconn.NewConnector(relayAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", transport)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
