// Command media-gateway is an edge gateway for video assets: it resolves
// request paths to upstream origins, fetches through signed or presigned
// backends, and caches response bodies across an in-memory and a
// bbolt-backed tier.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/media-gateway/server"
	"github.com/wolfeidau/media-gateway/storage"
	"github.com/wolfeidau/media-gateway/telemetry"
)

var version = "dev"

type cli struct {
	Address        string        `help:"Address to listen on." default:":8080" env:"GATEWAY_ADDRESS"`
	Config         string        `help:"Path to the origins JSON configuration." required:"" env:"GATEWAY_CONFIG"`
	StorePath      string        `help:"Path to the bbolt cache database." default:"./media-gateway.db" env:"GATEWAY_STORE_PATH"`
	FastTierBytes  int64         `help:"In-memory cache capacity in bytes." default:"268435456" env:"GATEWAY_FAST_TIER_BYTES"`
	AuthToken      string        `help:"Bearer token required on media routes. Empty disables auth." env:"GATEWAY_AUTH_TOKEN"`
	SecurityLevel  string        `help:"Credential failure handling." enum:"strict,permissive" default:"permissive" env:"GATEWAY_SECURITY_LEVEL"`
	ReaperInterval time.Duration `help:"How often expired cache entries are swept." default:"5m" env:"GATEWAY_REAPER_INTERVAL"`
	NoObjectStore  bool          `help:"Disable object-store sources, HTTP sources only." env:"GATEWAY_NO_OBJECT_STORE"`
	OTLPEndpoint   string        `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus     bool          `help:"Serve Prometheus metrics on /metrics." env:"GATEWAY_PROMETHEUS"`
	LogLevel       string        `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"GATEWAY_LOG_LEVEL"`
	LogFormat      string        `help:"Log format." enum:"text,json" default:"text" env:"GATEWAY_LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("media-gateway"),
		kong.Description("Edge cache and fetch gateway for video assets."),
		kong.Vars{"version": version},
	)

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(flags.Config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "media-gateway",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}

	var s3Client storage.S3API
	if !flags.NoObjectStore {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		s3Client = s3.NewFromConfig(awsCfg)
	}

	srv, err := server.New(server.Config{
		Address:        flags.Address,
		StorePath:      flags.StorePath,
		Origins:        cfg.Origins,
		LegacyPatterns: cfg.Patterns,
		Profiles:       cfg.Profiles,
		DefaultTTL:     cfg.DefaultTTL,
		FastTierBytes:  flags.FastTierBytes,
		Buckets:        cfg.Buckets,
		S3Client:       s3Client,
		SecurityLevel:  storage.SecurityLevel(flags.SecurityLevel),
		AuthToken:      flags.AuthToken,
		ReaperInterval: flags.ReaperInterval,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("gateway started",
		"version", version,
		"address", srv.Address(),
		"origins", len(cfg.Origins),
		"patterns", len(cfg.Patterns),
		"object_store", !flags.NoObjectStore,
		"security_level", flags.SecurityLevel,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return shutdownMetrics(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}
