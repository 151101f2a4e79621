// Package classifier guesses which exercise a pose belongs to when the
// caller did not say.
package classifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/san-kum/motion-analysis/server/models"
	"github.com/san-kum/motion-analysis/server/nn"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

const DefaultMinConfidence = 0.7

// ErrUnavailable means the model could not be loaded. Callers classifying a
// batch should stop at the first one.
var ErrUnavailable = errors.New("classifier model unavailable")

type Config struct {
	ModelPath     string
	MinConfidence float64
	// FrameWidth and FrameHeight normalise keypoint coordinates.
	FrameWidth  int
	FrameHeight int
}

type Classifier struct {
	handle *nn.Handle[*nn.Model]
	min    float64
	w, h   float64
	known  func(models.ExerciseType) bool
	logger *zap.Logger
}

// New builds a classifier around the model at cfg.ModelPath. known limits
// the labels it may return; a nil func accepts every label.
func New(cfg Config, known func(models.ExerciseType) bool, logger *zap.Logger) *Classifier {
	return newClassifier(nn.NewHandle("classifier", func() (*nn.Model, error) {
		return nn.Load(cfg.ModelPath)
	}, logger), cfg, known, logger)
}

// NewFromModel wraps an already built model.
func NewFromModel(m *nn.Model, cfg Config, known func(models.ExerciseType) bool, logger *zap.Logger) *Classifier {
	return newClassifier(nn.NewHandle("classifier", func() (*nn.Model, error) {
		return m, nil
	}, logger), cfg, known, logger)
}

func newClassifier(h *nn.Handle[*nn.Model], cfg Config, known func(models.ExerciseType) bool, logger *zap.Logger) *Classifier {
	threshold := cfg.MinConfidence
	if threshold <= 0 {
		threshold = DefaultMinConfidence
	}
	w, hgt := float64(cfg.FrameWidth), float64(cfg.FrameHeight)
	if w <= 0 {
		w = 1
	}
	if hgt <= 0 {
		hgt = 1
	}
	if known == nil {
		known = func(models.ExerciseType) bool { return true }
	}
	return &Classifier{handle: h, min: threshold, w: w, h: hgt, known: known, logger: logger}
}

// Classify returns the exercise for pose, or ExerciseUnknown when the model
// is unsure or names something outside the catalog. The only error is
// ErrUnavailable (or the context's), returned when the model cannot be
// acquired.
func (c *Classifier) Classify(ctx context.Context, pose models.Pose) (models.ExerciseType, error) {
	model, release, err := c.handle.Acquire(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.ExerciseUnknown, ctxErr
		}
		c.logger.Warn("Classifier unavailable", zap.Error(err))
		return models.ExerciseUnknown, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer release()

	probs, err := model.Predict(Features(pose, c.w, c.h, model.InputSize()))
	if err != nil {
		c.logger.Warn("Classification failed", zap.Error(err))
		return models.ExerciseUnknown, nil
	}

	label := decide(probs, model.Labels(), c.min)
	if label == models.ExerciseUnknown || !c.known(label) {
		return models.ExerciseUnknown, nil
	}
	return label, nil
}

// Features lays the pose out as (x/w, y/h, confidence) per canonical
// landmark, zero-padded or truncated to width.
func Features(pose models.Pose, w, h float64, width int) []float64 {
	v := make([]float64, width)
	i := 0
	for _, kp := range pose.Keypoints() {
		for _, f := range [3]float64{kp.X / w, kp.Y / h, kp.Confidence} {
			if i >= width {
				return v
			}
			v[i] = f
			i++
		}
	}
	return v
}

// decide picks the most probable label, accepting it only at or above threshold.
func decide(probs []float64, labels []string, threshold float64) models.ExerciseType {
	if len(probs) == 0 || len(labels) != len(probs) {
		return models.ExerciseUnknown
	}
	best := floats.MaxIdx(probs)
	if probs[best] < threshold {
		return models.ExerciseUnknown
	}
	return models.NormalizeExercise(labels[best])
}

// Vote returns the most frequent known label. Ties go to the label seen
// first.
func Vote(labels []models.ExerciseType) models.ExerciseType {
	counts := make(map[models.ExerciseType]int)
	var order []models.ExerciseType
	for _, l := range labels {
		if l == "" || l == models.ExerciseUnknown {
			continue
		}
		if counts[l] == 0 {
			order = append(order, l)
		}
		counts[l]++
	}

	winner := models.ExerciseUnknown
	top := 0
	for _, l := range order {
		if counts[l] > top {
			winner, top = l, counts[l]
		}
	}
	return winner
}

func (c *Classifier) Close() error {
	return c.handle.Close()
}
