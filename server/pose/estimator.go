package pose

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/san-kum/motion-analysis/server/models"
	"github.com/san-kum/motion-analysis/server/nn"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

const (
	DefaultInputSize = 192

	// Each landmark is emitted as (y, x, score), normalised to [0,1].
	valuesPerLandmark = 3
)

type Config struct {
	ModelPath string
	InputSize int
}

// Estimator runs the local single-person pose model on frames. The model is
// loaded on first use and shared by every caller.
type Estimator struct {
	handle *nn.Handle[*nn.Model]
	size   int
	logger *zap.Logger

	scratch sync.Pool
	tensors sync.Pool
}

func NewEstimator(cfg Config, logger *zap.Logger) *Estimator {
	size := cfg.InputSize
	if size <= 0 {
		size = DefaultInputSize
	}
	load := func() (*nn.Model, error) {
		m, err := nn.Load(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		if err := checkShape(m, size); err != nil {
			return nil, err
		}
		return m, nil
	}
	return newEstimator(nn.NewHandle("pose", load, logger), size, logger)
}

// NewEstimatorFromModel wraps an already built model.
func NewEstimatorFromModel(m *nn.Model, size int, logger *zap.Logger) (*Estimator, error) {
	if err := checkShape(m, size); err != nil {
		return nil, err
	}
	load := func() (*nn.Model, error) { return m, nil }
	return newEstimator(nn.NewHandle("pose", load, logger), size, logger), nil
}

func newEstimator(h *nn.Handle[*nn.Model], size int, logger *zap.Logger) *Estimator {
	e := &Estimator{handle: h, size: size, logger: logger}
	e.scratch.New = func() any {
		return image.NewRGBA(image.Rect(0, 0, size, size))
	}
	e.tensors.New = func() any {
		t := make([]float64, size*size*3)
		return &t
	}
	return e
}

func checkShape(m *nn.Model, size int) error {
	if want := size * size * 3; m.InputSize() != want {
		return fmt.Errorf("pose model %q takes %d inputs, want %d for %dx%d RGB", m.Name(), m.InputSize(), want, size, size)
	}
	if want := len(models.Landmarks) * valuesPerLandmark; m.OutputSize() < want {
		return fmt.Errorf("pose model %q emits %d values, want at least %d", m.Name(), m.OutputSize(), want)
	}
	return nil
}

// Estimate returns the pose found in frame, with coordinates in frame
// pixels. Landmarks the model is unsure about come back with low confidence
// rather than being dropped.
func (e *Estimator) Estimate(ctx context.Context, frame image.Image) (models.Pose, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bounds := frame.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("pose estimation: empty frame")
	}

	model, release, err := e.handle.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pose model: %w", err)
	}
	defer release()

	scratch := e.scratch.Get().(*image.RGBA)
	defer e.scratch.Put(scratch)
	tensor := e.tensors.Get().(*[]float64)
	defer e.tensors.Put(tensor)

	draw.BiLinear.Scale(scratch, scratch.Bounds(), frame, bounds, draw.Src, nil)
	fillTensor(*tensor, scratch)

	out, err := model.Predict(*tensor)
	if err != nil {
		return nil, fmt.Errorf("pose inference: %w", err)
	}
	return decode(out, bounds), nil
}

// fillTensor writes the RGB channels of img, row-major, scaled to [0,1].
func fillTensor(dst []float64, img *image.RGBA) {
	i := 0
	for p := 0; p+3 < len(img.Pix) && i+2 < len(dst); p += 4 {
		dst[i] = float64(img.Pix[p]) / 255
		dst[i+1] = float64(img.Pix[p+1]) / 255
		dst[i+2] = float64(img.Pix[p+2]) / 255
		i += 3
	}
}

func decode(out []float64, bounds image.Rectangle) models.Pose {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	p := models.NewPose()
	for i, name := range models.Landmarks {
		base := i * valuesPerLandmark
		p[name] = models.Keypoint{
			Name:       name,
			X:          float64(bounds.Min.X) + clamp01(out[base+1])*w,
			Y:          float64(bounds.Min.Y) + clamp01(out[base])*h,
			Confidence: clamp01(out[base+2]),
		}
	}
	return p
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Loaded reports whether the model is resident.
func (e *Estimator) Loaded() bool {
	return e.handle.Loaded()
}

func (e *Estimator) Close() error {
	return e.handle.Close()
}
