package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/motion-analysis/server/analysis"
	"github.com/san-kum/motion-analysis/server/cache"
	"github.com/san-kum/motion-analysis/server/models"
	"github.com/san-kum/motion-analysis/server/video"
	"go.uber.org/zap"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var (
	ErrQueueFull   = errors.New("processing queue full, try again later")
	ErrJobNotFound = errors.New("job not found")
)

type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (*models.AnalysisResult, error)
}

type ResultStore interface {
	Save(ctx context.Context, result *models.AnalysisResult) error
}

// VideoProcessor runs analyses either inline for a waiting request or as
// background jobs on the worker pool, with result caching and persistence.
type VideoProcessor struct {
	analyzer   Analyzer
	store      ResultStore
	cache      cache.Cache
	logger     *zap.Logger
	queue      *ProcessingQueue
	stats      *ProcessorStats
	config     ProcessorConfig
	mutex      sync.RWMutex
	jobTracker map[string]*VideoJob
	ctx        context.Context
	cancel     context.CancelFunc
}

type ProcessorStats struct {
	StartTime             time.Time  `json:"start_time"`
	TotalProcessed        int64      `json:"total_processed"`
	SuccessfullyProcessed int64      `json:"successfully_processed"`
	FailedProcessed       int64      `json:"failed_processed"`
	CacheHits             int64      `json:"cache_hits"`
	AverageLatency        float64    `json:"average_latency_ms"`
	Queue                 QueueStats `json:"queue"`
}

type ProcessorConfig struct {
	MaxQueueSize      int           `json:"max_queue_size"`
	MaxWorkers        int           `json:"max_workers"`
	ProcessingTimeout time.Duration `json:"processing_timeout"`
	JobRetention      time.Duration `json:"job_retention"`
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxQueueSize:      100,
		MaxWorkers:        2,
		ProcessingTimeout: 5 * time.Minute,
		JobRetention:      time.Hour,
	}
}

type VideoJob struct {
	ID           string                 `json:"id"`
	Filename     string                 `json:"filename"`
	ExerciseType string                 `json:"exercise_type,omitempty"`
	Status       string                 `json:"status"`
	Progress     float64                `json:"progress"`
	StartTime    time.Time              `json:"start_time"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty"`
	Result       *models.AnalysisResult `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`

	path string
}

// NewVideoProcessor starts the worker pool. store and cache may be nil.
func NewVideoProcessor(config ProcessorConfig, analyzer Analyzer, store ResultStore, c cache.Cache, logger *zap.Logger) *VideoProcessor {
	def := DefaultProcessorConfig()
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = def.MaxQueueSize
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = def.MaxWorkers
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = def.ProcessingTimeout
	}
	if config.JobRetention <= 0 {
		config.JobRetention = def.JobRetention
	}

	ctx, cancel := context.WithCancel(context.Background())

	processor := &VideoProcessor{
		analyzer:   analyzer,
		store:      store,
		cache:      c,
		logger:     logger,
		stats:      &ProcessorStats{StartTime: time.Now()},
		config:     config,
		jobTracker: make(map[string]*VideoJob),
		ctx:        ctx,
		cancel:     cancel,
	}

	processor.queue = NewProcessingQueue(config.MaxQueueSize, config.MaxWorkers, processor.processVideo, logger)

	return processor
}

// Analyze runs req now, serving repeated uploads of the same video from the
// cache. Fresh results are persisted before they are returned.
func (vp *VideoProcessor) Analyze(ctx context.Context, req analysis.Request) (*models.AnalysisResult, error) {
	startTime := time.Now()

	cacheKey, err := vp.cacheKey(req)
	if err != nil {
		vp.logger.Warn("Failed to compute cache key", zap.Error(err))
	}

	if vp.cache != nil && cacheKey != "" {
		var cached models.AnalysisResult
		if err := vp.cache.Get(ctx, cacheKey, &cached); err == nil {
			vp.logger.Debug("Cache hit for video", zap.String("key", cacheKey))
			vp.mutex.Lock()
			vp.stats.CacheHits++
			vp.mutex.Unlock()
			return &cached, nil
		}
	}

	result, err := vp.analyzer.Analyze(ctx, req)
	vp.record(err, time.Since(startTime))
	if err != nil {
		return nil, err
	}

	if vp.store != nil {
		if err := vp.store.Save(ctx, result); err != nil {
			vp.logger.Error("Failed to save analysis", zap.Error(err))
		}
	}

	if vp.cache != nil && cacheKey != "" {
		if err := vp.cache.Set(ctx, cacheKey, result); err != nil {
			vp.logger.Warn("Failed to cache result", zap.Error(err))
		}
	}

	return result, nil
}

func (vp *VideoProcessor) cacheKey(req analysis.Request) (string, error) {
	hint := string(models.NormalizeExercise(req.ExerciseType))
	if len(req.Video.Data) > 0 {
		return cache.ResultKey(req.Video.Data, hint), nil
	}
	if req.Video.Path == "" {
		return "", nil
	}
	f, err := os.Open(req.Video.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return cache.ResultKeyFromReader(f, hint)
}

func (vp *VideoProcessor) record(err error, latency time.Duration) {
	vp.mutex.Lock()
	defer vp.mutex.Unlock()

	vp.stats.TotalProcessed++
	if err != nil {
		vp.stats.FailedProcessed++
		return
	}
	vp.stats.SuccessfullyProcessed++

	current := float64(latency.Milliseconds())
	if vp.stats.AverageLatency == 0 {
		vp.stats.AverageLatency = current
	} else {
		alpha := 0.1
		vp.stats.AverageLatency = alpha*current + (1-alpha)*vp.stats.AverageLatency
	}
}

// CreateVideoJob queues the staged upload at path for background analysis.
// The processor owns path from here on and removes it when the job ends.
func (vp *VideoProcessor) CreateVideoJob(path, filename, exerciseType string) (string, error) {
	job := &VideoJob{
		ID:           uuid.NewString(),
		Filename:     filename,
		ExerciseType: exerciseType,
		Status:       StatusQueued,
		StartTime:    time.Now(),
		path:         path,
	}

	vp.mutex.Lock()
	vp.pruneLocked()
	vp.jobTracker[job.ID] = job
	vp.mutex.Unlock()

	if !vp.queue.Enqueue(&QueueItem{Job: job, EnqueuedAt: time.Now()}) {
		vp.mutex.Lock()
		delete(vp.jobTracker, job.ID)
		vp.mutex.Unlock()
		return "", ErrQueueFull
	}

	vp.logger.Info("Video job queued",
		zap.String("job_id", job.ID),
		zap.String("filename", filename))
	return job.ID, nil
}

// GetJobStatus returns a snapshot of the job.
func (vp *VideoProcessor) GetJobStatus(jobID string) (*VideoJob, error) {
	vp.mutex.RLock()
	defer vp.mutex.RUnlock()

	job, exists := vp.jobTracker[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}

	snapshot := *job
	return &snapshot, nil
}

func (vp *VideoProcessor) processVideo(item *QueueItem) {
	job := item.Job
	defer os.Remove(job.path)

	defer func() {
		if r := recover(); r != nil {
			vp.logger.Error("Video processing panic", zap.String("job_id", job.ID), zap.Any("panic", r))
			vp.finishJob(job, nil, fmt.Errorf("processing failed: %v", r))
		}
	}()

	vp.updateJob(job, StatusProcessing, 10)
	vp.logger.Info("Video processing started",
		zap.String("job_id", job.ID),
		zap.Duration("queued_for", time.Since(item.EnqueuedAt)))

	ctx, cancel := context.WithTimeout(vp.ctx, vp.config.ProcessingTimeout)
	defer cancel()

	result, err := vp.Analyze(ctx, analysis.Request{
		Video:        analysisVideo(job),
		ExerciseType: job.ExerciseType,
	})
	vp.finishJob(job, result, err)
}

func (vp *VideoProcessor) updateJob(job *VideoJob, status string, progress float64) {
	vp.mutex.Lock()
	defer vp.mutex.Unlock()
	job.Status = status
	job.Progress = progress
}

func (vp *VideoProcessor) finishJob(job *VideoJob, result *models.AnalysisResult, err error) {
	vp.mutex.Lock()
	defer vp.mutex.Unlock()

	now := time.Now()
	job.FinishedAt = &now
	job.Progress = 100
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		vp.logger.Error("Video job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	job.Status = StatusCompleted
	job.Result = result
	vp.logger.Info("Video job completed",
		zap.String("job_id", job.ID),
		zap.Int("score", result.Summary.OverallScore))
}

// pruneLocked forgets finished jobs older than the retention window.
func (vp *VideoProcessor) pruneLocked() {
	cutoff := time.Now().Add(-vp.config.JobRetention)
	for id, job := range vp.jobTracker {
		if job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(vp.jobTracker, id)
		}
	}
}

func (vp *VideoProcessor) GetStats() *ProcessorStats {
	vp.mutex.RLock()
	defer vp.mutex.RUnlock()

	stats := *vp.stats
	stats.Queue = vp.queue.GetQueueStats()
	return &stats
}

// GetCacheStats returns cache statistics.
func (vp *VideoProcessor) GetCacheStats(ctx context.Context) (*cache.CacheStats, error) {
	if vp.cache == nil {
		return nil, fmt.Errorf("cache not initialized")
	}

	return vp.cache.GetStats(ctx)
}

// Shutdown gracefully shuts down the processor. Jobs still waiting in the
// queue are marked failed.
func (vp *VideoProcessor) Shutdown(timeout time.Duration) error {
	vp.logger.Info("Shutting down video processor...")

	err := vp.queue.Shutdown(timeout)
	if err != nil {
		vp.logger.Error("Failed to shutdown queue", zap.Error(err))
	}
	vp.cancel()

	drained := vp.queue.DrainQueue(func(item *QueueItem) {
		os.Remove(item.Job.path)
		vp.finishJob(item.Job, nil, errors.New("processing cancelled - server shutting down"))
	})
	if drained > 0 {
		vp.logger.Warn("Dropped queued video jobs", zap.Int("count", drained))
	}

	vp.logger.Info("Video processor shutdown complete")
	return err
}

func analysisVideo(job *VideoJob) video.Video {
	return video.Video{Path: job.path, Filename: job.Filename}
}
