package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/AltairaLabs/keeper/internal/service"
	"github.com/AltairaLabs/keeper/internal/service/grpcconn"
	"github.com/AltairaLabs/keeper/internal/service/memory"
	"github.com/AltairaLabs/keeper/internal/service/zkconn"
)

const (
	appVersion      = "0.1.0"
	defaultGRPCPort = "50060"
	shutdownTimeout = 2 * time.Second
)

var (
	version = flag.Bool("version", false, "Print version and exit")
	debug   = flag.Bool("debug", false, "Enable debug logging")
	backend = flag.String("backend", "memory", "Sessions backend: memory or zk")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("keeper-devserver v%s\n", appVersion)
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

	grpcPort := getEnv("GRPC_PORT", defaultGRPCPort)
	connector, err := newBackend(*backend, logger)
	if err != nil {
		log.Fatalf("Failed to create backend: %v", err)
	}

	logger.Info("Starting keeper dev server",
		"version", appVersion,
		"backend", *backend,
		"grpc_port", grpcPort,
	)

	grpcServer := grpc.NewServer()
	relay := grpcconn.Register(grpcServer, connector, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenConfig := net.ListenConfig{}
	lis, err := listenConfig.Listen(ctx, "tcp", ":"+grpcPort)
	if err != nil {
		log.Fatalf("Failed to listen on port %s: %v", grpcPort, err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Relay listening", "port", grpcPort)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "error", err)
			cancel()
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context canceled")
	}

	logger.Info("Shutting down gracefully", "open_sessions", relay.Sessions())

	// Event streams stay open for the life of a session, so GracefulStop
	// may never return on its own.
	shutdownComplete := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(shutdownComplete)
	}()
	select {
	case <-shutdownComplete:
		logger.Info("gRPC server stopped gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("Graceful shutdown timeout, forcing stop")
		grpcServer.Stop()
		<-shutdownComplete
	}
	logger.Info("Dev server shutdown complete")
}

// newBackend returns the connector the relay serves sessions from. The zk
// backend reads its ensemble from ZK_CONNECT.
func newBackend(name string, logger *slog.Logger) (service.Connector, error) {
	switch name {
	case "memory":
		return memory.NewServer(memory.WithLogger(logger.With("component", "memory"))), nil
	case "zk":
		return ensembleConnector{
			inner:     zkconn.Connector{Logger: logger},
			endpoints: strings.Split(getEnv("ZK_CONNECT", "127.0.0.1:2181"), ","),
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// ensembleConnector ignores the endpoints sent by remote clients and uses
// the ensemble this server was started with.
type ensembleConnector struct {
	inner     service.Connector
	endpoints []string
}

func (e ensembleConnector) Connect(ctx context.Context, _ []string, sessionTimeout time.Duration) (service.Conn, <-chan service.Event, error) {
	return e.inner.Connect(ctx, e.endpoints, sessionTimeout)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
