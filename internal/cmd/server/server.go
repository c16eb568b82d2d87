// Package server parses server command flags and starts the messaging
// backend runtime.
package server

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/quietpost/quietpost/internal/auth"
	"github.com/quietpost/quietpost/internal/auth/interceptors"
	"github.com/quietpost/quietpost/internal/node"
	"github.com/quietpost/quietpost/internal/platform/config"
	"github.com/quietpost/quietpost/internal/platform/otel"
	"github.com/quietpost/quietpost/internal/platform/timeouts"
	"github.com/quietpost/quietpost/internal/retention"
	"github.com/quietpost/quietpost/internal/storage/bbolt"
	"github.com/quietpost/quietpost/internal/storage/sqlite"
)

// Config holds server command configuration.
type Config struct {
	Port           int           `env:"QUIETPOST_PORT" envDefault:"8080"`
	Addr           string        `env:"QUIETPOST_ADDR"`
	MessageDBPath  string        `env:"QUIETPOST_MESSAGE_DB_PATH" envDefault:"quietpost-messages.db"`
	AttachmentPath string        `env:"QUIETPOST_ATTACHMENT_DB_PATH" envDefault:"quietpost-attachments.db"`
	SweepInterval  time.Duration `env:"QUIETPOST_SWEEP_INTERVAL" envDefault:"1h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The server port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The server listen address (overrides -port)")
	fs.StringVar(&cfg.MessageDBPath, "message-db", cfg.MessageDBPath, "Path to the SQLite message database")
	fs.StringVar(&cfg.AttachmentPath, "attachment-db", cfg.AttachmentPath, "Path to the BoltDB attachment database")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Retention sweep interval")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the messaging backend and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	shutdownTracing, err := otel.Setup(ctx, "quietpost-server")
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	messages, err := sqlite.Open(cfg.MessageDBPath)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer func() {
		if err := messages.Close(); err != nil {
			log.Printf("close message store: %v", err)
		}
	}()

	attachments, err := bbolt.Open(cfg.AttachmentPath)
	if err != nil {
		return fmt.Errorf("open attachment store: %w", err)
	}
	defer func() {
		if err := attachments.Close(); err != nil {
			log.Printf("close attachment store: %v", err)
		}
	}()

	backend := node.New(node.Deps{
		Messages:    messages,
		Attachments: attachments,
	})
	defer backend.Close()

	sweeper := retention.New(backend, cfg.SweepInterval)
	go sweeper.Run(ctx)

	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	// Bearer verification runs first when token verification is
	// configured; deployments behind a trusted gateway may rely on
	// identity metadata alone.
	unary := []grpc.UnaryServerInterceptor{}
	if os.Getenv("QUIETPOST_TOKEN_PUBLIC_KEY") != "" {
		verifierCfg, err := auth.LoadVerifierConfigFromEnv(time.Now)
		if err != nil {
			return fmt.Errorf("load token verifier: %w", err)
		}
		unary = append(unary, interceptors.UnaryBearerInterceptor(verifierCfg))
	}
	unary = append(unary, interceptors.UnaryServerInterceptor(node.AllowList()))

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 20 * time.Second,
		}),
	)
	node.RegisterConversationServer(grpcServer, backend)
	node.RegisterUserServer(grpcServer, backend)
	healthServer := health.NewServer()
	healthgrpc.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthgrpc.HealthCheckResponse_SERVING)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", listener.Addr())
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	healthServer.SetServingStatus("", healthgrpc.HealthCheckResponse_NOT_SERVING)
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeouts.Shutdown):
		grpcServer.Stop()
	}
	return nil
}
