// Command quill runs the log-analysis rules engine: it serves the
// dispatch endpoint, evaluates events against the enabled rules, and
// delivers matched events as deduplicated alerts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/joho/godotenv"

	"github.com/quillsec/quill/config"
	"github.com/quillsec/quill/internal/adapters/alertdb"
	"github.com/quillsec/quill/internal/adapters/catalog"
	"github.com/quillsec/quill/internal/adapters/outputs"
	"github.com/quillsec/quill/internal/domain/rules"
	httpx "github.com/quillsec/quill/internal/http"
	"github.com/quillsec/quill/internal/observability/logging"
	"github.com/quillsec/quill/internal/observability/statsd"
	"github.com/quillsec/quill/internal/service/dispatch"
)

func main() {
	ctx := context.Background()

	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Default().ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}

	logger := logging.New(cfg.Observability.LoggingLevel)
	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	logger.InfoContext(ctx, "starting quill",
		"dedup_table", cfg.Alerts.DedupTable,
		"bucket", cfg.Outputs.Bucket,
		"analysis_api", cfg.Catalog.FunctionName,
		"cache_ttl", cfg.Engine.CacheTTL.String())

	metrics, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.Observability.StatsdEnabled,
		Address: cfg.Observability.StatsdAddress,
		Prefix:  cfg.Observability.StatsdPrefix,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("connect statsd: %w", err)
	}
	defer func() {
		if cerr := metrics.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close statsd failed", "error", cerr)
		}
	}()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	dispatcher := buildDispatcher(cfg, awsCfg, logger, metrics)

	router := httpx.NewRouter(httpx.RouterServices{Dispatcher: dispatcher, Logger: logger})
	server := httpx.StartServer(logger, router, cfg.HTTP.Addr, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.InfoContext(ctx, "received signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownGrace)
	defer cancel()
	return httpx.ShutdownServer(shutdownCtx, server, logger)
}

func buildDispatcher(cfg *config.AppConfig, awsCfg aws.Config, logger *slog.Logger, metrics statsd.Sink) *dispatch.Dispatcher {
	catalogClient := catalog.New(catalog.Options{
		Invoker:      lambda.NewFromConfig(awsCfg),
		FunctionName: cfg.Catalog.FunctionName,
		PageSize:     cfg.Catalog.PageSize,
		Logger:       logger,
	})

	registry := rules.NewRegistry(rules.RegistryOptions{
		Catalog:       catalogClient,
		CacheTTL:      cfg.Engine.CacheTTL,
		GlobalsRuleID: cfg.Engine.GlobalsRuleID,
		Logger:        logger,
		Metrics:       metrics,
	})
	engine := rules.NewEngine(rules.EngineOptions{
		Registry: registry,
		Logger:   logger,
		Metrics:  metrics,
	})

	merger := alertdb.New(alertdb.Options{
		Client:      dynamodb.NewFromConfig(awsCfg),
		Table:       cfg.Alerts.DedupTable,
		MergePeriod: time.Duration(cfg.Alerts.MergePeriodSeconds) * time.Second,
		Logger:      logger,
	})

	s3Client := s3.NewFromConfig(awsCfg)
	writer := outputs.New(outputs.Options{
		S3:       s3Client,
		SNS:      sns.NewFromConfig(awsCfg),
		Bucket:   cfg.Outputs.Bucket,
		TopicARN: cfg.Outputs.Topic,
		Logger:   logger,
	})

	return dispatch.NewDispatcher(dispatch.Options{
		Engine:  engine,
		Objects: s3Client,
		Logger:  logger,
		Metrics: metrics,
		BufferOptions: dispatch.BufferOptions{
			Merger:      merger,
			Sink:        writer,
			MaxBytes:    cfg.Engine.MaxBufferBytes,
			Parallelism: cfg.Engine.FlushParallelism,
			Logger:      logger,
			Metrics:     metrics,
		},
	})
}
