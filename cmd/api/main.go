package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/pavit-health/backend/internal/ai"
	"github.com/pavit-health/backend/internal/api/handlers"
	"github.com/pavit-health/backend/internal/cache/memory"
	"github.com/pavit-health/backend/internal/cache/redis"
	"github.com/pavit-health/backend/internal/detection"
	"github.com/pavit-health/backend/internal/evidence"
	"github.com/pavit-health/backend/internal/inference"
	"github.com/pavit-health/backend/internal/kg/neo4j"
	"github.com/pavit-health/backend/internal/metrics"
	"github.com/pavit-health/backend/internal/middleware/ratelimit"
	"github.com/pavit-health/backend/internal/middleware/security"
	reqvalidation "github.com/pavit-health/backend/internal/middleware/validation"
	"github.com/pavit-health/backend/internal/pipeline"
	"github.com/pavit-health/backend/internal/reports"
	"github.com/pavit-health/backend/internal/storage/sqlite"
	"github.com/pavit-health/backend/internal/validation"
	"github.com/pavit-health/backend/pkg/config"
	appLogger "github.com/pavit-health/backend/pkg/logger"
)

// cache is what both the redis and the in-process cache provide.
type cache interface {
	detection.Cache
	reports.AnalyticsCache
	InvalidateAllAnalytics(ctx context.Context) error
}

func main() {
	seedGraph := flag.Bool("seed-graph", false, "copy the CSV reference tables into Neo4j and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *seedGraph {
		if err := runSeedGraph(ctx, cfg); err != nil {
			appLogger.Fatal("Graph seeding failed", zap.Error(err))
		}
		return
	}

	appLogger.Info("Starting vitamin deficiency analysis API server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(ctx); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var checks []handlers.Check
	checks = append(checks, handlers.Check{Name: "sqlite", Required: true, Probe: sqliteClient.Ping})

	var appCache cache
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		appCache = redisClient
		checks = append(checks, handlers.Check{Name: "redis", Probe: redisClient.Ping})
	} else {
		appCache = memory.New(time.Duration(cfg.Redis.AnalyticsTTLSec)*time.Second, 10*time.Minute)
		appLogger.Info("Redis disabled, using in-process cache")
	}

	// Cached analytics may predate the current database file.
	if err := appCache.InvalidateAllAnalytics(ctx); err != nil {
		appLogger.Warn("Failed to clear analytics cache", zap.Error(err))
	}

	store, graph, err := openEvidence(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to load reference data", zap.Error(err))
	}
	if graph != nil {
		defer graph.Close(context.Background())
		checks = append(checks, handlers.Check{Name: "neo4j", Probe: graph.Ping})
	}

	if cfg.Reference.Watch && cfg.Reference.Source == "csv" {
		go func() {
			err := store.Watch(ctx, cfg.Reference.EvidencePath, cfg.Reference.NutritionPath)
			if err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error("Reference watcher stopped", zap.Error(err))
			}
		}()
	}

	aiTimeout := time.Duration(cfg.AI.TimeoutSec) * time.Second
	aiService := ai.NewHTTPService(ai.HTTPConfig{
		BaseURL:      cfg.AI.ServiceURL,
		ValidatePath: cfg.AI.ValidatePath,
		DetectPath:   cfg.AI.DetectPath,
		Timeout:      aiTimeout,
	})
	httpAI := ai.NewLazy("ai_service", func(ctx context.Context) (*ai.HTTPService, error) {
		if err := aiService.Health(ctx); err != nil {
			return nil, err
		}
		return aiService, nil
	})
	if cfg.AI.CaptionProvider == "http" || cfg.AI.ClassifyProvider == "http" {
		checks = append(checks, handlers.Check{Name: "ai_service", Probe: aiService.Health})
	}

	detector := detection.NewDetector(newClassifier(cfg, httpAI), detection.Config{
		Timeout:  aiTimeout,
		Fallback: newFallback(cfg),
		Cache:    appCache,
		CacheTTL: time.Duration(cfg.Redis.DetectionTTLSec) * time.Second,
	})

	reportService := reports.NewService(sqliteClient, appCache, time.Duration(cfg.Redis.AnalyticsTTLSec)*time.Second)

	orchestrator := pipeline.NewOrchestrator(pipeline.Deps{
		Captioner: newCaptioner(cfg, httpAI),
		Validator: validation.NewWithVocabulary(cfg.Pipeline.AcceptWords, cfg.Pipeline.RejectWords),
		Detector:  detector,
		Engine:    inference.NewEngine(store),
		Reports:   reportService,
	}, pipeline.Config{
		MinConfidence:  cfg.Pipeline.MinConfidence,
		MaxConcurrent:  cfg.Pipeline.MaxConcurrent,
		CaptionTimeout: aiTimeout,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit.AnalyzePerMinute,
		Window:      time.Minute,
	})
	defer limiter.Stop()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.Server.AllowedOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	maxImage := int64(cfg.Uploads.MaxImageSize)
	handlers.RegisterRoutes(app, handlers.Routes{
		Patients:  handlers.NewPatientHandler(sqliteClient),
		Analysis:  handlers.NewAnalysisHandler(orchestrator, sqliteClient, cfg.Uploads.Dir, cfg.Pipeline.Validate),
		Reports:   handlers.NewReportHandler(reportService),
		Reference: handlers.NewReferenceHandler(store),
		Health:    handlers.NewHealthHandler(3*time.Second, checks...),
		WebSocket: handlers.NewWebSocketHandler(orchestrator, sqliteClient, cfg.Uploads.Dir, cfg.Pipeline.Validate, maxImage, 2*aiTimeout+30*time.Second),

		AnalyzeLimit: limiter.Middleware(),
		ImageUpload:  reqvalidation.ImageUpload(reqvalidation.UploadConfig{MaxImageSize: maxImage}),
		Metrics:      metrics.MetricsHandler(),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// openEvidence builds the reference store from the configured source. The
// graph client is returned when the store reads from Neo4j.
func openEvidence(ctx context.Context, cfg *config.Config) (*evidence.Store, *neo4j.Client, error) {
	if cfg.Reference.Source == "csv" {
		store, err := evidence.NewStore(ctx, evidence.NewCSVSource(cfg.Reference.EvidencePath, cfg.Reference.NutritionPath))
		return store, nil, err
	}

	graph, err := neo4j.NewClient(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
	if err != nil {
		return nil, nil, err
	}

	store, err := evidence.NewStore(ctx, evidence.NewGraphSource(graph))
	if err != nil {
		graph.Close(context.Background())
		return nil, nil, err
	}
	return store, graph, nil
}

func runSeedGraph(ctx context.Context, cfg *config.Config) error {
	tables, err := evidence.NewCSVSource(cfg.Reference.EvidencePath, cfg.Reference.NutritionPath).Load(ctx)
	if err != nil {
		return err
	}

	graph, err := neo4j.NewClient(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
	if err != nil {
		return err
	}
	defer graph.Close(context.Background())

	if err := evidence.SeedGraph(ctx, graph, tables); err != nil {
		return err
	}

	stats := tables.Stats()
	appLogger.Info("Reference graph seeded",
		zap.Int("evidence_rows", stats.EvidenceRows),
		zap.Int("nutrition_entries", stats.NutritionEntries),
	)
	return nil
}

func newCaptioner(cfg *config.Config, httpAI *ai.Lazy[*ai.HTTPService]) pipeline.Captioner {
	switch cfg.AI.CaptionProvider {
	case "http":
		return ai.NewLazyCaptioner("caption_http", func(ctx context.Context) (ai.Captioner, error) {
			return httpAI.Get(ctx)
		})
	case "openai":
		return ai.NewLazyCaptioner("caption_openai", func(context.Context) (ai.Captioner, error) {
			return ai.NewOpenAICaptioner(cfg.AI.OpenAIAPIKey, "", cfg.AI.OpenAIModel, cfg.AI.CaptionMaxTokens), nil
		})
	default:
		appLogger.Warn("No captioner configured, validation will let every image through")
		return nil
	}
}

func newClassifier(cfg *config.Config, httpAI *ai.Lazy[*ai.HTTPService]) detection.Classifier {
	if cfg.AI.ClassifyProvider != "http" {
		appLogger.Warn("No classifier configured, detections will use the fallback policy")
		return nil
	}
	return ai.NewLazyClassifier("classify_http", func(ctx context.Context) (ai.Classifier, error) {
		return httpAI.Get(ctx)
	})
}

func newFallback(cfg *config.Config) detection.FallbackPolicy {
	if cfg.Pipeline.FallbackMode == "random" {
		return detection.NewRandomFallback(cfg.Pipeline.FallbackLabels, time.Now().UnixNano())
	}
	return detection.FixedFallback{Label: cfg.Pipeline.FallbackLabel, Confidence: cfg.Pipeline.FallbackConfidence}
}
