package analysis

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/san-kum/motion-analysis/server/models"
)

// AnalyzeFrame evaluates a single still image with the local model, for
// live feedback. An empty exercise is classified like a one-frame video.
func (p *Pipeline) AnalyzeFrame(ctx context.Context, img image.Image, exercise string) (*models.FrameAnalysis, error) {
	hint, err := models.ParseExercise(exercise, p.engine.Known)
	if err != nil {
		return nil, err
	}

	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.metrics.inflight.Add(1)
	pose, err := p.estimator.Estimate(ctx, img)
	p.metrics.inflight.Add(-1)
	p.slots.Release(1)
	if err != nil {
		return nil, classify(err)
	}
	p.metrics.IncrementFrames()

	if !pose.HasUsable() {
		p.metrics.IncrementSkippedFrames()
		return nil, fmt.Errorf("%w: no person detected", models.ErrAnalysisFailed)
	}

	now := time.Now().UnixMilli()
	resolved, err := p.resolveExercise(ctx, hint, []usableFrame{{timestamp: now, pose: pose}})
	if err != nil {
		return nil, err
	}

	angles, eval, err := p.engine.EvaluatePose(pose, resolved)
	if err != nil {
		return nil, err
	}

	return &models.FrameAnalysis{
		ExerciseType: resolved,
		Keypoints:    pose.Keypoints(),
		Angles:       angles,
		Correct:      eval.AllWithinRange,
		Feedback:     toFeedback(now, eval.Findings),
		Timestamp:    now,
	}, nil
}
