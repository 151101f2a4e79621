package analysis

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/san-kum/motion-analysis/server/biomech"
	"github.com/san-kum/motion-analysis/server/classifier"
	"github.com/san-kum/motion-analysis/server/models"
	"github.com/san-kum/motion-analysis/server/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeOpener serves len(poses) frames. Each frame's first pixel holds its
// index so fakeEstimator can hand back the matching pose.
type fakeOpener struct {
	poses   []models.Pose
	openErr error
	nextErr error

	opens   atomic.Int32
	streams atomic.Int32
}

func (o *fakeOpener) Open(ctx context.Context, v video.Video) (video.Source, error) {
	o.opens.Add(1)
	if o.openErr != nil {
		return nil, o.openErr
	}
	return &fakeSource{opener: o}, nil
}

type fakeSource struct {
	opener *fakeOpener
	closed bool
}

func (s *fakeSource) Info() video.Info { return video.Info{Packets: len(s.opener.poses)} }

func (s *fakeSource) Path() string { return "/tmp/fake.mp4" }

func (s *fakeSource) Frames(ctx context.Context) (video.Stream, error) {
	s.opener.streams.Add(1)
	return &fakeStream{n: len(s.opener.poses), err: s.opener.nextErr}, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeStream struct {
	n, i int
	err  error
}

func (s *fakeStream) Next(ctx context.Context) (*video.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.i >= s.n {
		return nil, io.EOF
	}
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Pix[0] = uint8(s.i)
	f := &video.Frame{Image: img, Index: s.i, Timestamp: time.Duration(s.i) * 500 * time.Millisecond}
	s.i++
	return f, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeEstimator struct {
	poses  []models.Pose
	calls  atomic.Int32
	err    error
	onCall func(n int32)
}

func (e *fakeEstimator) Estimate(ctx context.Context, frame image.Image) (models.Pose, error) {
	n := e.calls.Add(1)
	if e.onCall != nil {
		e.onCall(n)
	}
	if e.err != nil {
		return nil, e.err
	}
	idx := int(frame.(*image.RGBA).Pix[0])
	return e.poses[idx], nil
}

type fakeRemote struct {
	result *models.AnalysisResult
	err    error
	calls  atomic.Int32
}

func (r *fakeRemote) AnalyzeVideo(ctx context.Context, path, filename string, hint models.ExerciseType) (*models.AnalysisResult, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	out := *r.result
	return &out, nil
}

type fakeClassifier struct {
	label models.ExerciseType
	err   error
	calls atomic.Int32
}

func (c *fakeClassifier) Classify(ctx context.Context, pose models.Pose) (models.ExerciseType, error) {
	c.calls.Add(1)
	if c.err != nil {
		return models.ExerciseUnknown, c.err
	}
	return c.label, nil
}

func kp(name string, x, y float64) models.Keypoint {
	return models.Keypoint{Name: name, X: x, Y: y, Confidence: 0.9}
}

// standingPose has straight knees, elbows and hips and an upright torso.
func standingPose() models.Pose {
	p := models.NewPose()
	for _, k := range []models.Keypoint{
		kp(models.Nose, 130, 20),
		kp(models.LeftShoulder, 90, 50), kp(models.RightShoulder, 110, 50),
		kp(models.LeftElbow, 90, 80), kp(models.RightElbow, 110, 80),
		kp(models.LeftWrist, 90, 110), kp(models.RightWrist, 110, 110),
		kp(models.LeftHip, 90, 100), kp(models.RightHip, 110, 100),
		kp(models.LeftKnee, 90, 150), kp(models.RightKnee, 110, 150),
		kp(models.LeftAnkle, 90, 200), kp(models.RightAnkle, 110, 200),
	} {
		p[k.Name] = k
	}
	return p
}

func newTestPipeline(strategy Strategy, opener video.Opener, remote RemoteAnalyzer, est PoseEstimator, cls ExerciseClassifier) *Pipeline {
	return NewPipeline(
		Config{Strategy: strategy, DefaultExercise: models.ExerciseSquat},
		opener, remote, est, cls,
		biomech.NewEngine(biomech.DefaultRules(), biomech.DefaultLimits()),
		NewMetrics(),
		zap.NewNop(),
	)
}

func threeFramePoses() []models.Pose {
	return []models.Pose{standingPose(), models.NewPose(), standingPose()}
}

func TestLocalAnalysis(t *testing.T) {
	t.Parallel()

	poses := threeFramePoses()
	opener := &fakeOpener{poses: poses}
	est := &fakeEstimator{poses: poses}
	p := newTestPipeline(LocalOnly, opener, nil, est, nil)

	result, err := p.Analyze(context.Background(), Request{ExerciseType: "Squats"})
	require.NoError(t, err)

	assert.Equal(t, models.ExerciseSquat, result.DetectedExerciseType)
	assert.Equal(t, models.SourceLocal, result.Source)
	assert.Equal(t, 3, result.FramesSampled)
	assert.Equal(t, 2, result.FramesUsed)
	assert.NotEmpty(t, result.Description)

	// Straight knees are 60 degrees past the squat range on both sides.
	require.Len(t, result.Feedback, 4)
	assert.Equal(t, int64(0), result.Feedback[0].Timestamp)
	assert.Equal(t, int64(1000), result.Feedback[3].Timestamp)
	for _, f := range result.Feedback {
		assert.Equal(t, models.SeverityHigh, f.Severity)
		assert.Equal(t, 5, f.Score)
	}
	assert.Equal(t, 80, result.Summary.OverallScore)
	assert.Equal(t, 4, result.Summary.CriticalIssues)
	assert.Len(t, result.Summary.Suggestions, 2)
	assert.Equal(t, 4, result.Summary.FeedbackCount)

	require.Len(t, result.Keypoints, len(models.Landmarks))
	assert.Equal(t, models.Nose, result.Keypoints[0].Name)
	assert.Equal(t, 130.0, result.Keypoints[0].X)

	snap := p.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.LocalAnalyses)
	assert.Equal(t, int64(3), snap.Frames)
	assert.Equal(t, int64(1), snap.SkippedFrames)
	assert.Equal(t, int64(0), snap.InFlightFrames)
}

func TestRemoteFailureFallsBackToLocal(t *testing.T) {
	t.Parallel()

	poses := threeFramePoses()

	localOpener := &fakeOpener{poses: poses}
	localOnly := newTestPipeline(LocalOnly, localOpener, nil, &fakeEstimator{poses: poses}, nil)
	want, err := localOnly.Analyze(context.Background(), Request{ExerciseType: "squat"})
	require.NoError(t, err)

	remote := &fakeRemote{err: fmt.Errorf("%w: dial tcp: connection refused", models.ErrInferenceUnavailable)}
	opener := &fakeOpener{poses: poses}
	est := &fakeEstimator{poses: poses}
	withFallback := newTestPipeline(RemotePreferred, opener, remote, est, nil)
	got, err := withFallback.Analyze(context.Background(), Request{ExerciseType: "squat"})
	require.NoError(t, err)

	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(models.AnalysisResult{}, "ProcessingTime")); diff != "" {
		t.Errorf("fallback result differs from local-only (-want +got):\n%s", diff)
	}
	assert.Equal(t, int32(1), remote.calls.Load())
	assert.Equal(t, int32(1), opener.streams.Load())
	assert.Equal(t, int32(3), est.calls.Load())
	assert.Equal(t, int64(1), withFallback.Metrics().Snapshot().Fallbacks)
}

func TestRemoteSuccess(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{result: &models.AnalysisResult{
		DetectedExerciseType: models.ExerciseDeadlift,
		Summary:              models.AnalysisSummary{OverallScore: 91},
		Source:               models.SourceRemote,
	}}
	est := &fakeEstimator{}
	p := newTestPipeline(RemotePreferred, &fakeOpener{poses: threeFramePoses()}, remote, est, nil)

	result, err := p.Analyze(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, models.SourceRemote, result.Source)
	assert.Equal(t, 91, result.Summary.OverallScore)
	assert.NotEmpty(t, result.Description)
	assert.NotNil(t, result.Feedback)
	assert.Equal(t, int32(0), est.calls.Load())
}

func TestRemoteNonAvailabilityErrorIsFinal(t *testing.T) {
	t.Parallel()

	cause := errors.New("video file vanished")
	remote := &fakeRemote{err: cause}
	est := &fakeEstimator{}
	p := newTestPipeline(RemotePreferred, &fakeOpener{poses: threeFramePoses()}, remote, est, nil)

	_, err := p.Analyze(context.Background(), Request{})
	assert.ErrorIs(t, err, models.ErrAnalysisFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int32(0), est.calls.Load())
}

func TestFallbackFailureKeepsBothCauses(t *testing.T) {
	t.Parallel()

	remoteCause := fmt.Errorf("%w: dial tcp: connection refused", models.ErrInferenceUnavailable)
	localCause := errors.New("pose model weights missing")

	t.Run("local error", func(t *testing.T) {
		remote := &fakeRemote{err: remoteCause}
		est := &fakeEstimator{err: localCause}
		p := newTestPipeline(RemotePreferred, &fakeOpener{poses: threeFramePoses()}, remote, est, nil)

		_, err := p.Analyze(context.Background(), Request{ExerciseType: "squat"})
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrAnalysisFailed)
		assert.ErrorIs(t, err, models.ErrInferenceUnavailable)
		assert.ErrorIs(t, err, localCause)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("no usable frames", func(t *testing.T) {
		empty := []models.Pose{models.NewPose(), models.NewPose()}
		remote := &fakeRemote{err: remoteCause}
		p := newTestPipeline(RemotePreferred, &fakeOpener{poses: empty}, remote, &fakeEstimator{poses: empty}, nil)

		_, err := p.Analyze(context.Background(), Request{ExerciseType: "squat"})
		assert.ErrorIs(t, err, models.ErrAnalysisFailed)
		assert.ErrorIs(t, err, models.ErrInferenceUnavailable)
	})

	t.Run("cancellation wins", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		remote := &fakeRemote{err: remoteCause}
		est := &fakeEstimator{poses: threeFramePoses(), onCall: func(int32) { cancel() }}
		p := newTestPipeline(RemotePreferred, &fakeOpener{poses: threeFramePoses()}, remote, est, nil)

		_, err := p.Analyze(ctx, Request{ExerciseType: "squat"})
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, models.ErrAnalysisFailed)
	})
}

func TestZeroFrameVideoFailsBeforeInference(t *testing.T) {
	t.Parallel()

	t.Run("open", func(t *testing.T) {
		remote := &fakeRemote{}
		est := &fakeEstimator{}
		opener := &fakeOpener{openErr: fmt.Errorf("%w: video has no frames", models.ErrDecode)}
		p := newTestPipeline(RemotePreferred, opener, remote, est, nil)

		_, err := p.Analyze(context.Background(), Request{})
		assert.ErrorIs(t, err, models.ErrDecode)
		assert.NotErrorIs(t, err, models.ErrAnalysisFailed)
		assert.Equal(t, int32(0), remote.calls.Load())
		assert.Equal(t, int32(0), est.calls.Load())
	})

	t.Run("stream", func(t *testing.T) {
		est := &fakeEstimator{}
		opener := &fakeOpener{nextErr: fmt.Errorf("%w: no frames decoded", models.ErrDecode)}
		p := newTestPipeline(LocalOnly, opener, nil, est, nil)

		_, err := p.Analyze(context.Background(), Request{})
		assert.ErrorIs(t, err, models.ErrDecode)
		assert.Equal(t, int32(0), est.calls.Load())
	})
}

func TestUnknownHintRejectedUpFront(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{poses: threeFramePoses()}
	p := newTestPipeline(LocalOnly, opener, nil, &fakeEstimator{}, nil)

	_, err := p.Analyze(context.Background(), Request{ExerciseType: "yoga"})
	assert.ErrorIs(t, err, models.ErrUnknownExercise)
	assert.Equal(t, int32(0), opener.opens.Load())
}

func TestNoUsablePoseFails(t *testing.T) {
	t.Parallel()

	poses := []models.Pose{models.NewPose(), models.NewPose()}
	p := newTestPipeline(LocalOnly, &fakeOpener{poses: poses}, nil, &fakeEstimator{poses: poses}, nil)

	_, err := p.Analyze(context.Background(), Request{ExerciseType: "squat"})
	assert.ErrorIs(t, err, models.ErrAnalysisFailed)
}

func TestLocalFailureWrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("pose model: weights missing")
	p := newTestPipeline(LocalOnly, &fakeOpener{poses: threeFramePoses()}, nil, &fakeEstimator{err: cause}, nil)

	_, err := p.Analyze(context.Background(), Request{ExerciseType: "squat"})
	assert.ErrorIs(t, err, models.ErrAnalysisFailed)
	assert.ErrorIs(t, err, cause)
}

func TestCancellationReturnsNoResult(t *testing.T) {
	t.Parallel()

	poses := threeFramePoses()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	est := &fakeEstimator{poses: poses, onCall: func(n int32) {
		if n == 1 {
			cancel()
		}
	}}
	p := newTestPipeline(LocalOnly, &fakeOpener{poses: poses}, nil, est, nil)

	result, err := p.Analyze(ctx, Request{ExerciseType: "squat"})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, models.ErrAnalysisFailed)
	assert.Equal(t, int32(1), est.calls.Load())
}

func TestExerciseResolution(t *testing.T) {
	t.Parallel()

	poses := []models.Pose{standingPose()}

	t.Run("classifier vote", func(t *testing.T) {
		cls := &fakeClassifier{label: models.ExerciseDeadlift}
		p := newTestPipeline(LocalOnly, &fakeOpener{poses: poses}, nil, &fakeEstimator{poses: poses}, cls)

		result, err := p.Analyze(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, models.ExerciseDeadlift, result.DetectedExerciseType)
		// Standing straight is a perfect deadlift lockout.
		assert.Equal(t, 100, result.Summary.OverallScore)
		assert.Equal(t, int32(1), cls.calls.Load())
	})

	t.Run("unknown falls back to default", func(t *testing.T) {
		cls := &fakeClassifier{label: models.ExerciseUnknown}
		p := newTestPipeline(LocalOnly, &fakeOpener{poses: poses}, nil, &fakeEstimator{poses: poses}, cls)

		result, err := p.Analyze(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, models.ExerciseSquat, result.DetectedExerciseType)
	})

	t.Run("unavailable model is tried once per request", func(t *testing.T) {
		many := threeFramePoses()
		cls := &fakeClassifier{err: classifier.ErrUnavailable}
		p := newTestPipeline(LocalOnly, &fakeOpener{poses: many}, nil, &fakeEstimator{poses: many}, cls)

		result, err := p.Analyze(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, models.ExerciseSquat, result.DetectedExerciseType)
		assert.Equal(t, int32(1), cls.calls.Load())
	})

	t.Run("hint skips classifier", func(t *testing.T) {
		cls := &fakeClassifier{label: models.ExerciseDeadlift}
		p := newTestPipeline(LocalOnly, &fakeOpener{poses: poses}, nil, &fakeEstimator{poses: poses}, cls)

		result, err := p.Analyze(context.Background(), Request{ExerciseType: "push-up"})
		require.NoError(t, err)
		assert.Equal(t, models.ExercisePushUp, result.DetectedExerciseType)
		assert.Equal(t, int32(0), cls.calls.Load())
	})

	t.Run("no default", func(t *testing.T) {
		p := NewPipeline(Config{Strategy: LocalOnly}, &fakeOpener{poses: poses}, nil,
			&fakeEstimator{poses: poses}, nil,
			biomech.NewEngine(biomech.DefaultRules(), biomech.DefaultLimits()), nil, zap.NewNop())

		_, err := p.Analyze(context.Background(), Request{})
		assert.ErrorIs(t, err, models.ErrUnknownExercise)
	})
}

func TestAnalyzeFrame(t *testing.T) {
	t.Parallel()

	poses := []models.Pose{standingPose()}
	p := newTestPipeline(LocalOnly, &fakeOpener{}, nil, &fakeEstimator{poses: poses}, nil)

	out, err := p.AnalyzeFrame(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)), "deadlift")
	require.NoError(t, err)
	assert.True(t, out.Correct)
	assert.Empty(t, out.Feedback)
	assert.InDelta(t, 180.0, out.Angles[models.JointLeftHip], 1e-9)

	out, err = p.AnalyzeFrame(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)), "squat")
	require.NoError(t, err)
	assert.False(t, out.Correct)
	assert.Len(t, out.Feedback, 2)

	_, err = p.AnalyzeFrame(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)), "yoga")
	assert.ErrorIs(t, err, models.ErrUnknownExercise)
}
