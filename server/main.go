package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/motion-analysis/server/analysis"
	"github.com/san-kum/motion-analysis/server/biomech"
	"github.com/san-kum/motion-analysis/server/cache"
	"github.com/san-kum/motion-analysis/server/classifier"
	"github.com/san-kum/motion-analysis/server/config"
	"github.com/san-kum/motion-analysis/server/handlers"
	"github.com/san-kum/motion-analysis/server/middleware"
	"github.com/san-kum/motion-analysis/server/ml"
	"github.com/san-kum/motion-analysis/server/models"
	"github.com/san-kum/motion-analysis/server/pose"
	"github.com/san-kum/motion-analysis/server/processor"
	"github.com/san-kum/motion-analysis/server/store"
	"github.com/san-kum/motion-analysis/server/video"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	processor   *processor.VideoProcessor
	pipeline    *analysis.Pipeline
	estimator   *pose.Estimator
	classifier  *classifier.Classifier
	mlClient    *ml.Client
	cache       cache.Cache
	store       *store.Store
	rateLimiter *middleware.RateLimiter
	config      *config.Config
	cancel      context.CancelFunc
}

func main() {
	cfg := config.LoadConfig()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if !cfg.EnvFileLoaded {
		logger.Debug("No .env file found, using system environment variables")
	}

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("strategy", server.pipeline.Strategy().String()))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Close()
	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	engine, err := newEngine(cfg.Models.RulesPath, logger)
	if err != nil {
		return nil, err
	}

	sampler := video.NewSampler(video.Config{
		FFmpegPath:  cfg.Pipeline.FFmpegPath,
		FFprobePath: cfg.Pipeline.FFprobePath,
		FPS:         cfg.Pipeline.SampleFPS,
		Width:       cfg.Pipeline.FrameWidth,
		Height:      cfg.Pipeline.FrameHeight,
		MaxFrames:   cfg.Pipeline.MaxFrames,
		TempDir:     cfg.Pipeline.TempDir,
	}, logger)

	// Models load lazily on first use so a missing file does not stop the
	// remote path from serving.
	estimator := pose.NewEstimator(pose.Config{
		ModelPath: cfg.Models.PoseModelPath,
		InputSize: cfg.Models.PoseInputSize,
	}, logger)

	exerciseClassifier := classifier.New(classifier.Config{
		ModelPath:     cfg.Models.ClassifierModelPath,
		MinConfidence: cfg.Models.MinConfidence,
		FrameWidth:    cfg.Pipeline.FrameWidth,
		FrameHeight:   cfg.Pipeline.FrameHeight,
	}, engine.Known, logger)

	ctx, cancel := context.WithCancel(context.Background())

	var mlClient *ml.Client
	var remote analysis.RemoteAnalyzer
	if cfg.ML.Enabled {
		mlClient = ml.NewClient(cfg.ML.BaseURL, ml.ClientConfig{
			Timeout:             cfg.ML.Timeout,
			MaxRetries:          cfg.ML.MaxRetries,
			RetryDelay:          cfg.ML.RetryDelay,
			HealthCheckInterval: cfg.ML.HealthCheckInterval,
		}, logger)
		go mlClient.StartHealthChecker(ctx)
		remote = mlClient
	}

	var defaultExercise models.ExerciseType
	if cfg.Pipeline.DefaultExercise != "" {
		defaultExercise = models.NormalizeExercise(cfg.Pipeline.DefaultExercise)
	}

	pipeline := analysis.NewPipeline(analysis.Config{
		Strategy:          analysis.StrategyFor(cfg.ML.Enabled),
		DefaultExercise:   defaultExercise,
		MaxInFlightFrames: cfg.Pipeline.MaxInFlightFrames,
	}, sampler, remote, estimator, exerciseClassifier, engine, analysis.NewMetrics(), logger)

	var cacheInstance cache.Cache
	if cfg.Cache.Enabled {
		cacheInstance = cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.TTL, logger)
	}

	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open analysis store: %w", err)
	}

	videoProcessor := processor.NewVideoProcessor(processor.ProcessorConfig{
		MaxQueueSize:      cfg.Jobs.QueueSize,
		MaxWorkers:        cfg.Jobs.Workers,
		ProcessingTimeout: cfg.Jobs.ProcessingTimeout,
		JobRetention:      cfg.Jobs.Retention,
	}, pipeline, db, cacheInstance, logger)

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxUploadSize))

	var remoteStatus handlers.RemoteStatus
	if mlClient != nil {
		remoteStatus = mlClient
	}

	analysisHandler := handlers.NewAnalysisHandler(handlers.HandlerConfig{
		MaxUploadSize: cfg.Security.MaxUploadSize,
		TempDir:       cfg.Pipeline.TempDir,
	}, videoProcessor, pipeline, db, engine, pipeline.Metrics(), remoteStatus, logger)
	wsHandler := handlers.NewWebSocketHandler(pipeline, engine, cfg.Security.AllowedOrigins, logger)

	setupRoutes(router, cfg, analysisHandler, wsHandler, rateLimiter)

	return &Server{
		router:      router,
		logger:      logger,
		processor:   videoProcessor,
		pipeline:    pipeline,
		estimator:   estimator,
		classifier:  exerciseClassifier,
		mlClient:    mlClient,
		cache:       cacheInstance,
		store:       db,
		rateLimiter: rateLimiter,
		config:      cfg,
		cancel:      cancel,
	}, nil
}

func newEngine(rulesPath string, logger *zap.Logger) (*biomech.Engine, error) {
	if rulesPath == "" {
		return biomech.NewEngine(biomech.DefaultRules(), biomech.DefaultLimits()), nil
	}

	rules, limits, err := biomech.LoadRules(rulesPath)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded exercise rules", zap.String("path", rulesPath), zap.Int("exercises", len(rules)))
	return biomech.NewEngine(rules, limits), nil
}

func setupRoutes(router *gin.Engine, cfg *config.Config, h *handlers.AnalysisHandler, ws *handlers.WebSocketHandler, rateLimiter *middleware.RateLimiter) {
	router.GET("/health", h.Health)

	router.GET("/ws", rateLimiter.RateLimit(), ws.HandleWebSocket)

	api := router.Group("/api/v1")
	api.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))
	{
		api.GET("/health", h.Health)
		api.GET("/exercises", h.ListExercises)
		api.GET("/stats", h.GetStats)
		api.GET("/analyses", h.ListAnalyses)
		api.GET("/analyses/:id", h.GetAnalysis)
		api.GET("/video-job/:job_id", h.GetVideoJobStatus)

		limited := api.Group("/")
		limited.Use(rateLimiter.RateLimit())
		{
			limited.POST("/analyze", middleware.ContentTypes("multipart/form-data"), h.AnalyzeVideo)
			limited.POST("/upload-video", middleware.ContentTypes("multipart/form-data"), h.UploadVideo)
			limited.POST("/analyze-frame", middleware.ContentTypes("application/json"), h.AnalyzeFrame)
		}
	}
}

// Close releases everything NewServer started. The HTTP server must already
// be stopped.
func (s *Server) Close() {
	if err := s.processor.Shutdown(30 * time.Second); err != nil {
		s.logger.Error("Failed to shutdown video processor", zap.Error(err))
	}

	s.cancel()
	s.rateLimiter.Shutdown()

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Failed to close cache", zap.Error(err))
		}
	}

	if err := s.estimator.Close(); err != nil {
		s.logger.Error("Failed to release pose model", zap.Error(err))
	}
	if err := s.classifier.Close(); err != nil {
		s.logger.Error("Failed to release classifier model", zap.Error(err))
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close analysis store", zap.Error(err))
	}
}
