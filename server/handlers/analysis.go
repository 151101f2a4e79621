package handlers

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/motion-analysis/server/analysis"
	"github.com/san-kum/motion-analysis/server/biomech"
	"github.com/san-kum/motion-analysis/server/cache"
	"github.com/san-kum/motion-analysis/server/models"
	"github.com/san-kum/motion-analysis/server/processor"
	"github.com/san-kum/motion-analysis/server/store"
	"github.com/san-kum/motion-analysis/server/video"
	"go.uber.org/zap"
)

const serviceName = "motion-analysis"

type Processor interface {
	Analyze(ctx context.Context, req analysis.Request) (*models.AnalysisResult, error)
	CreateVideoJob(path, filename, exerciseType string) (string, error)
	GetJobStatus(jobID string) (*processor.VideoJob, error)
	GetStats() *processor.ProcessorStats
	GetCacheStats(ctx context.Context) (*cache.CacheStats, error)
}

type FrameAnalyzer interface {
	AnalyzeFrame(ctx context.Context, img image.Image, exercise string) (*models.FrameAnalysis, error)
}

type AnalysisStore interface {
	Get(ctx context.Context, id string) (*models.AnalysisResult, error)
	ListRecent(ctx context.Context, limit int) ([]*models.AnalysisResult, error)
	Stats(ctx context.Context) (*store.Stats, error)
	Ping(ctx context.Context) error
}

type Catalog interface {
	Exercises() []models.ExerciseType
	Rule(t models.ExerciseType) (biomech.Rule, bool)
}

type MetricsSource interface {
	Snapshot() analysis.MetricsSnapshot
}

// RemoteStatus reports the last known health of the inference service.
type RemoteStatus interface {
	Healthy() bool
}

type HandlerConfig struct {
	MaxUploadSize int64
	TempDir       string
}

type AnalysisHandler struct {
	config    HandlerConfig
	processor Processor
	frames    FrameAnalyzer
	store     AnalysisStore
	catalog   Catalog
	metrics   MetricsSource
	remote    RemoteStatus
	logger    *zap.Logger
	started   time.Time
}

type FrameUploadRequest struct {
	ImageData    string `json:"image_data" binding:"required"`
	ExerciseType string `json:"exercise_type"`
	Timestamp    int64  `json:"timestamp"`
}

// NewAnalysisHandler builds the REST handlers. remote is nil when remote
// inference is disabled.
func NewAnalysisHandler(
	config HandlerConfig,
	proc Processor,
	frames FrameAnalyzer,
	st AnalysisStore,
	catalog Catalog,
	metrics MetricsSource,
	remote RemoteStatus,
	logger *zap.Logger,
) *AnalysisHandler {
	if config.TempDir == "" {
		config.TempDir = os.TempDir()
	}
	return &AnalysisHandler{
		config:    config,
		processor: proc,
		frames:    frames,
		store:     st,
		catalog:   catalog,
		metrics:   metrics,
		remote:    remote,
		logger:    logger,
		started:   time.Now(),
	}
}

func (h *AnalysisHandler) Health(c *gin.Context) {
	remote := gin.H{"enabled": h.remote != nil}
	if h.remote != nil {
		remote["healthy"] = h.remote.Healthy()
	}

	status, code := "healthy", http.StatusOK
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Error("Analysis store unreachable", zap.Error(err))
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":           status,
		"service":          serviceName,
		"timestamp":        time.Now().Unix(),
		"uptime_seconds":   time.Since(h.started).Seconds(),
		"remote_inference": remote,
	})
}

// AnalyzeVideo runs a full analysis of the uploaded clip and waits for it.
func (h *AnalysisHandler) AnalyzeVideo(c *gin.Context) {
	path, filename, ok := h.receiveVideo(c)
	if !ok {
		return
	}
	defer os.Remove(path)

	exercise := c.PostForm("exercise_type")
	result, err := h.processor.Analyze(c.Request.Context(), analysis.Request{
		Video:        video.Video{Path: path, Filename: filename},
		ExerciseType: exercise,
	})
	if err != nil {
		h.respondError(c, err, "Video analysis failed",
			zap.String("filename", filename),
			zap.String("exercise_type", exercise))
		return
	}

	c.JSON(http.StatusOK, result)
}

// UploadVideo stages the clip and queues it for background analysis.
func (h *AnalysisHandler) UploadVideo(c *gin.Context) {
	exercise := c.PostForm("exercise_type")
	if _, err := models.ParseExercise(exercise, h.known); err != nil {
		h.respondError(c, err, "Rejected video upload")
		return
	}

	path, filename, ok := h.receiveVideo(c)
	if !ok {
		return
	}

	jobID, err := h.processor.CreateVideoJob(path, filename, exercise)
	if err != nil {
		os.Remove(path)
		if errors.Is(err, processor.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.respondError(c, err, "Failed to queue video")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  jobID,
		"message": "Video upload successful, processing started",
		"status":  processor.StatusQueued,
	})
}

func (h *AnalysisHandler) GetVideoJobStatus(c *gin.Context) {
	jobID := c.Param("job_id")

	status, err := h.processor.GetJobStatus(jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *AnalysisHandler) AnalyzeFrame(c *gin.Context) {
	var request FrameUploadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	img, err := decodeDataURL(request.ImageData)
	if err != nil {
		h.logger.Debug("Rejected frame", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image data"})
		return
	}

	startTime := time.Now()
	result, err := h.frames.AnalyzeFrame(c.Request.Context(), img, request.ExerciseType)
	if err != nil {
		h.respondError(c, err, "Frame analysis failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analysis":        result,
		"processing_time": time.Since(startTime).Milliseconds(),
		"timestamp":       time.Now().Unix(),
	})
}

func (h *AnalysisHandler) GetAnalysis(c *gin.Context) {
	result, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Analysis not found"})
		return
	}
	if err != nil {
		h.respondError(c, err, "Failed to load analysis")
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *AnalysisHandler) ListAnalyses(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}

	results, err := h.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err, "Failed to list analyses")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analyses": results,
		"count":    len(results),
	})
}

func (h *AnalysisHandler) GetStats(c *gin.Context) {
	stored, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to load stats")
		return
	}

	processorStats := h.processor.GetStats()
	var cacheStats any = gin.H{"enabled": false}
	if stats, err := h.processor.GetCacheStats(c.Request.Context()); err == nil {
		cacheStats = stats
	}

	remote := gin.H{"enabled": h.remote != nil}
	if h.remote != nil {
		remote["healthy"] = h.remote.Healthy()
	}

	c.JSON(http.StatusOK, gin.H{
		"processor":        processorStats,
		"pipeline":         h.metrics.Snapshot(),
		"analyses":         stored,
		"cache":            cacheStats,
		"remote_inference": remote,
		"uptime_seconds":   time.Since(h.started).Seconds(),
	})
}

type exerciseInfo struct {
	ExerciseType models.ExerciseType `json:"exercise_type"`
	biomech.Rule
}

func (h *AnalysisHandler) ListExercises(c *gin.Context) {
	exercises := make([]exerciseInfo, 0)
	for _, t := range h.catalog.Exercises() {
		rule, _ := h.catalog.Rule(t)
		exercises = append(exercises, exerciseInfo{ExerciseType: t, Rule: rule})
	}

	c.JSON(http.StatusOK, gin.H{"exercises": exercises})
}

func (h *AnalysisHandler) known(t models.ExerciseType) bool {
	_, ok := h.catalog.Rule(t)
	return ok
}

// receiveVideo validates the multipart "video" field and copies it to a temp
// file the caller must remove. It writes the error response itself.
func (h *AnalysisHandler) receiveVideo(c *gin.Context) (string, string, bool) {
	header, err := c.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large", "max_size": h.config.MaxUploadSize})
			return "", "", false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No video uploaded"})
		return "", "", false
	}

	if !video.SupportedFormat(header.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unsupported video format, expected mp4, mov, avi, webm or mkv",
		})
		return "", "", false
	}

	if h.config.MaxUploadSize > 0 && header.Size > h.config.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large", "max_size": h.config.MaxUploadSize})
		return "", "", false
	}

	path, err := h.stageUpload(header)
	if err != nil {
		h.logger.Error("Failed to stage upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process file"})
		return "", "", false
	}

	return path, header.Filename, true
}

func (h *AnalysisHandler) stageUpload(header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp(h.config.TempDir, "upload-*"+strings.ToLower(filepath.Ext(header.Filename)))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func (h *AnalysisHandler) respondError(c *gin.Context, err error, msg string, fields ...zap.Field) {
	status := statusFor(err)
	fields = append(fields, zap.Error(err), zap.Int("status", status), zap.String("client_ip", c.ClientIP()))
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, fields...)
	} else {
		h.logger.Warn(msg, fields...)
	}
	c.JSON(status, gin.H{"error": publicMessage(err, status)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownExercise):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrAnalysisFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(err error, status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusBadGateway:
		return err.Error()
	case http.StatusRequestTimeout:
		return "Analysis cancelled or timed out"
	default:
		return fmt.Sprintf("Internal error (%d)", status)
	}
}
