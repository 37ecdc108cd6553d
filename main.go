// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/parleylabs/parley/analytics"
	"github.com/parleylabs/parley/chat"
	"github.com/parleylabs/parley/config"
	"github.com/parleylabs/parley/history"
	"github.com/parleylabs/parley/language"
	"github.com/parleylabs/parley/llm"
	"github.com/parleylabs/parley/middleware"
	"github.com/parleylabs/parley/observability"
	"github.com/parleylabs/parley/pkg/logging"
	"github.com/parleylabs/parley/prompts"
	"github.com/parleylabs/parley/retriever"
	"github.com/parleylabs/parley/routes"
	"github.com/parleylabs/parley/security"
)

const serviceName = "parley-chat"

const defaultScannerTimeout = 10 * time.Second

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		// No collector configured: keep the default no-op provider.
		return func(context.Context) {}, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildStore selects the history backend. Weaviate failures fall back to
// the in-memory store so a missing vector database degrades the
// deployment instead of killing it.
func buildStore(cfg *config.Config, logger *slog.Logger) history.Store {
	if !cfg.History.Enabled {
		return nil
	}
	if cfg.History.Backend == "weaviate" {
		client, err := weaviate.NewClient(weaviate.Config{
			Host:   cfg.History.WeaviateHost,
			Scheme: cfg.History.WeaviateScheme,
		})
		if err == nil {
			store, serr := history.NewWeaviateStore(client,
				cfg.History.MaxMessages, cfg.History.KeepRecent, cfg.History.MaxMessages/2, logger)
			if serr == nil {
				logger.Info("using weaviate history backend", "host", cfg.History.WeaviateHost)
				return store
			}
			err = serr
		}
		logger.Warn("weaviate unavailable, falling back to in-memory history", "error", err)
	}
	logger.Info("using in-memory history backend")
	return history.NewMemoryStore(cfg.History.MaxMessages, cfg.History.KeepRecent)
}

func buildChain(cfg *config.Config, logger *slog.Logger) *security.Chain {
	var scanners []security.Scanner
	for _, sc := range cfg.Security.Scanners {
		timeout := sc.Timeout
		if timeout <= 0 {
			timeout = defaultScannerTimeout
		}
		switch sc.Name {
		case "guard":
			scanners = append(scanners, security.NewGuardScanner(sc.URL, timeout))
		case "moderator":
			scanners = append(scanners, security.NewModeratorScanner(sc.URL, timeout))
		default:
			logger.Warn("unknown scanner in config, skipping", "scanner", sc.Name)
		}
	}
	chain := security.NewChain(logger, scanners...)
	for _, sc := range cfg.Security.Scanners {
		chain.SetEnabled(sc.Name, sc.Enabled)
	}
	return chain
}

func main() {
	configPath := flag.String("config", os.Getenv("PARLEY_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	appLog := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: serviceName,
		JSON:    true,
	})
	defer appLog.Close()
	logger := appLog.Slog()
	slog.SetDefault(logger)

	cleanup, err := initTracer(cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	// --- Security chain ---
	chain := buildChain(cfg, logger)

	// --- History store ---
	store := buildStore(cfg, logger)

	// --- Retrieval ---
	ret := retriever.NewHTTPRetriever(cfg.Retriever.URL, cfg.Retriever.Timeout, logger)

	// --- Provider, wrapped with the response-side security check ---
	baseClient, err := llm.New(llm.FactoryConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		log.Fatalf("failed to initialize LLM client: %v", err)
	}
	client := llm.NewGuardedClient(baseClient, chain, logger)
	logger.Info("LLM client configured", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	// --- Language adaptation ---
	var enhancer *language.Enhancer
	if cfg.Language.Enabled {
		mode := language.ModeInferenceOnly
		if cfg.Language.Mode == "full" {
			mode = language.ModeFull
		}
		enhancer = language.NewEnhancer(language.NewDetector(), mode, true)
	}

	// --- Prompts ---
	registry := prompts.NewRegistry()
	if cfg.Prompts.File != "" {
		if err := registry.LoadFile(cfg.Prompts.File); err != nil {
			log.Fatalf("failed to load prompt file: %v", err)
		}
	}

	// --- Analytics ---
	var sink analytics.Sink = analytics.NopSink{}
	if cfg.Analytics.Enabled {
		sink = analytics.NewInfluxSink(cfg.Analytics.URL, cfg.Analytics.Token,
			cfg.Analytics.Org, cfg.Analytics.Bucket, logger)
	}
	defer sink.Close()

	service := chat.NewService(chain, store, ret, client, enhancer, registry, sink, logger, chat.Config{
		MaxMessages:     cfg.History.MaxMessages,
		WarningTemplate: cfg.History.WarningTemplate,
		HistoryEnabled:  cfg.History.Enabled && store != nil,
		GenerateTimeout: cfg.LLM.GenerateTimeout,
		Params: llm.GenerationParams{
			Temperature: cfg.LLM.Temperature,
			TopP:        cfg.LLM.TopP,
			MaxTokens:   cfg.LLM.MaxTokens,
		},
	})

	// --- Router ---
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, routes.Dependencies{
		Service: service,
		Store:   store,
		Client:  client,
		Logger:  logger,
		APIKeys: cfg.Auth.APIKeys,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.Auth.RequestsPerSecond,
			Burst:             cfg.Auth.Burst,
		},
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("starting server", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Config hot reload for scanner toggles.
	if *configPath != "" {
		watcher, werr := config.NewWatcher(*configPath, chain, logger)
		if werr != nil {
			logger.Warn("config watcher unavailable", "error", werr)
		} else {
			group.Go(func() error {
				defer watcher.Stop()
				watcher.Start(gctx)
				return nil
			})
		}
	}

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
