// Package analysis runs uploaded videos through pose estimation, the rule
// engine and the aggregator, preferring the remote inference service and
// falling back to the local model when it is unavailable.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/san-kum/motion-analysis/server/biomech"
	"github.com/san-kum/motion-analysis/server/classifier"
	"github.com/san-kum/motion-analysis/server/models"
	"github.com/san-kum/motion-analysis/server/video"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxInFlightFrames = 4

// RemoteAnalyzer is the remote inference service.
type RemoteAnalyzer interface {
	AnalyzeVideo(ctx context.Context, path, filename string, hint models.ExerciseType) (*models.AnalysisResult, error)
}

type PoseEstimator interface {
	Estimate(ctx context.Context, frame image.Image) (models.Pose, error)
}

type ExerciseClassifier interface {
	Classify(ctx context.Context, pose models.Pose) (models.ExerciseType, error)
}

type Config struct {
	Strategy        Strategy
	DefaultExercise models.ExerciseType
	// MaxInFlightFrames caps frames being estimated at once across all
	// requests sharing the pipeline.
	MaxInFlightFrames int64
}

type Pipeline struct {
	sampler    video.Opener
	remote     RemoteAnalyzer
	estimator  PoseEstimator
	classifier ExerciseClassifier
	engine     *biomech.Engine
	slots      *semaphore.Weighted
	config     Config
	metrics    *Metrics
	logger     *zap.Logger
}

// Request is one analysis job. ExerciseType may be empty, in which case the
// exercise is classified.
type Request struct {
	Video        video.Video
	ExerciseType string
}

// NewPipeline wires the pipeline. remote and cls may be nil: without a
// remote analyzer every request runs locally, without a classifier
// unlabelled requests use the default exercise.
func NewPipeline(
	config Config,
	sampler video.Opener,
	remote RemoteAnalyzer,
	estimator PoseEstimator,
	cls ExerciseClassifier,
	engine *biomech.Engine,
	metrics *Metrics,
	logger *zap.Logger,
) *Pipeline {
	if config.MaxInFlightFrames <= 0 {
		config.MaxInFlightFrames = DefaultMaxInFlightFrames
	}
	if remote == nil {
		config.Strategy = LocalOnly
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if config.DefaultExercise != "" && !engine.Known(config.DefaultExercise) {
		logger.Warn("Default exercise has no rule",
			zap.String("exercise", string(config.DefaultExercise)))
	}

	return &Pipeline{
		sampler:    sampler,
		remote:     remote,
		estimator:  estimator,
		classifier: cls,
		engine:     engine,
		slots:      semaphore.NewWeighted(config.MaxInFlightFrames),
		config:     config,
		metrics:    metrics,
		logger:     logger,
	}
}

func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

func (p *Pipeline) Engine() *biomech.Engine {
	return p.engine
}

func (p *Pipeline) Strategy() Strategy {
	return p.config.Strategy
}

// Analyze runs a whole video. On cancellation it returns the context error
// and no result.
func (p *Pipeline) Analyze(ctx context.Context, req Request) (*models.AnalysisResult, error) {
	start := time.Now()

	result, err := p.analyze(ctx, req)
	if err != nil {
		p.metrics.RecordFailure()
		return nil, err
	}

	result.ProcessingTime = float64(time.Since(start).Microseconds()) / 1000
	p.metrics.RecordAnalysis(result.Source, time.Since(start))
	return result, nil
}

func (p *Pipeline) analyze(ctx context.Context, req Request) (*models.AnalysisResult, error) {
	hint, err := models.ParseExercise(req.ExerciseType, p.engine.Known)
	if err != nil {
		return nil, err
	}

	src, err := p.sampler.Open(ctx, req.Video)
	if err != nil {
		return nil, classify(err)
	}
	defer src.Close()

	current := firstTier(p.config.Strategy)
	var fallbackCause error
	for {
		result, err := p.runTier(ctx, current, src, req.Video.Filename, hint)
		if err == nil {
			p.finish(result)
			return result, nil
		}

		next := nextTier(p.config.Strategy, current, err)
		if next == tierNone {
			p.logger.Error("Analysis failed",
				zap.Stringer("tier", current),
				zap.Error(err))
			if fallbackCause != nil {
				return nil, failedAfterFallback(fallbackCause, err)
			}
			return nil, classify(err)
		}

		p.logger.Warn("Remote inference unavailable, falling back to local model", zap.Error(err))
		p.metrics.RecordFallback()
		fallbackCause = err
		current = next
	}
}

func (p *Pipeline) runTier(ctx context.Context, t tier, src video.Source, filename string, hint models.ExerciseType) (*models.AnalysisResult, error) {
	switch t {
	case tierRemote:
		return p.remote.AnalyzeVideo(ctx, src.Path(), filename, hint)
	case tierLocal:
		return p.analyzeLocal(ctx, src, hint)
	default:
		return nil, fmt.Errorf("no inference tier available")
	}
}

func (p *Pipeline) finish(result *models.AnalysisResult) {
	if rule, ok := p.engine.Rule(result.DetectedExerciseType); ok {
		result.Description = rule.Description
	}
	if result.Feedback == nil {
		result.Feedback = []models.FrameFeedback{}
	}
}

type usableFrame struct {
	timestamp int64
	pose      models.Pose
}

func (p *Pipeline) analyzeLocal(ctx context.Context, src video.Source, hint models.ExerciseType) (*models.AnalysisResult, error) {
	stream, err := src.Frames(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var usable []usableFrame
	sampled := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pose, ts, err := p.estimateNext(ctx, stream)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		sampled++
		p.metrics.IncrementFrames()
		if !pose.HasUsable() {
			p.metrics.IncrementSkippedFrames()
			continue
		}
		usable = append(usable, usableFrame{timestamp: ts, pose: pose})
	}

	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: no usable pose in %d sampled frames", models.ErrAnalysisFailed, sampled)
	}

	exercise, err := p.resolveExercise(ctx, hint, usable)
	if err != nil {
		return nil, err
	}

	feedback := make([]models.FrameFeedback, 0)
	for _, f := range usable {
		_, eval, err := p.engine.EvaluatePose(f.pose, exercise)
		if err != nil {
			return nil, err
		}
		feedback = append(feedback, toFeedback(f.timestamp, eval.Findings)...)
	}

	return &models.AnalysisResult{
		DetectedExerciseType: exercise,
		Feedback:             feedback,
		Summary:              Summarize(feedback),
		Keypoints:            usable[len(usable)-1].pose.Keypoints(),
		Source:               models.SourceLocal,
		FramesSampled:        sampled,
		FramesUsed:           len(usable),
	}, nil
}

// estimateNext pulls one frame and runs the pose model on it while holding
// one of the shared in-flight slots. The frame buffer is returned before the
// slot is released.
func (p *Pipeline) estimateNext(ctx context.Context, stream video.Stream) (models.Pose, int64, error) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer p.slots.Release(1)
	p.metrics.inflight.Add(1)
	defer p.metrics.inflight.Add(-1)

	frame, err := stream.Next(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer frame.Release()

	pose, err := p.estimator.Estimate(ctx, frame.Image)
	if err != nil {
		return nil, 0, err
	}
	return pose, frame.Timestamp.Milliseconds(), nil
}

// resolveExercise prefers the caller's hint, then the classifier's vote over
// the usable frames, then the configured default.
func (p *Pipeline) resolveExercise(ctx context.Context, hint models.ExerciseType, frames []usableFrame) (models.ExerciseType, error) {
	if hint != "" {
		return hint, nil
	}

	if p.classifier != nil {
		labels := make([]models.ExerciseType, 0, len(frames))
		for _, f := range frames {
			label, err := p.classifier.Classify(ctx, f.pose)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if err != nil {
				// Unavailable for the rest of this request; use the default.
				p.logger.Debug("Classifier unavailable, skipping remaining frames", zap.Error(err))
				break
			}
			labels = append(labels, label)
		}
		if voted := classifier.Vote(labels); voted != models.ExerciseUnknown {
			return voted, nil
		}
	}

	def := p.config.DefaultExercise
	if def == "" || !p.engine.Known(def) {
		return "", fmt.Errorf("%w: exercise could not be classified", models.ErrUnknownExercise)
	}
	p.logger.Debug("Exercise not classified, using default", zap.String("exercise", string(def)))
	return def, nil
}

func toFeedback(timestamp int64, findings []biomech.Finding) []models.FrameFeedback {
	out := make([]models.FrameFeedback, 0, len(findings))
	for _, f := range findings {
		out = append(out, models.FrameFeedback{
			Timestamp:  timestamp,
			Joint:      f.Joint,
			Issue:      f.Issue,
			Severity:   f.Severity,
			Correction: f.Correction,
			Score:      f.Severity.Penalty(),
		})
	}
	return out
}

// classify leaves decode, unknown-exercise, cancellation and already
// classified failures alone and reports anything else as ErrAnalysisFailed.
// failedAfterFallback keeps both tiers' causes when the local tier fails
// after a remote fallback. Caller-facing kinds other than analysis failure
// win over the join.
func failedAfterFallback(remoteErr, localErr error) error {
	switch {
	case errors.Is(localErr, models.ErrDecode),
		errors.Is(localErr, models.ErrUnknownExercise),
		errors.Is(localErr, context.Canceled),
		errors.Is(localErr, context.DeadlineExceeded):
		return localErr
	case errors.Is(localErr, models.ErrAnalysisFailed):
		return errors.Join(localErr, remoteErr)
	}
	return fmt.Errorf("%w: %w", models.ErrAnalysisFailed, errors.Join(remoteErr, localErr))
}

func classify(err error) error {
	switch {
	case errors.Is(err, models.ErrDecode),
		errors.Is(err, models.ErrUnknownExercise),
		errors.Is(err, models.ErrAnalysisFailed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrAnalysisFailed, err)
}
