// moor-remote-server is the binary the orchestrator installs on target
// hosts. It listens on loopback only, announces its port and version as a
// JSON hello line on stdout, and serves the standard gRPC health service so
// the local side can verify the channel after tunneling in over SSH.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var version = "0.0.0-dev"

type hello struct {
	Port    int    `json:"port"`
	Version string `json:"version"`
}

func main() {
	var listen string
	var logLevel string

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "moor-remote-server (%s)\n\n", version)
		fmt.Fprintf(out, "Usage:\n  %s [flags]\n  %s version\n\nFlags:\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&listen, "listen", "127.0.0.1:0", "listen address for the control channel (loopback only)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")

	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Fprintln(os.Stdout, version)
		return
	}
	flag.Parse()

	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		log.Printf("unknown -log-level=%q (expected debug|info|warn|error); defaulting to info", logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, listen, logger); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, listen string, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listen, err)
	}

	srv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)

	port := lis.Addr().(*net.TCPAddr).Port
	// The hello line is the contract with the local orchestrator: exactly
	// one JSON object on the first stdout line, then nothing else.
	if err := json.NewEncoder(os.Stdout).Encode(hello{Port: port, Version: version}); err != nil {
		return err
	}
	logger.Info("moor-remote-server listening", "addr", lis.Addr().String(), "version", version)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		healthSrv.Shutdown()
		srv.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
