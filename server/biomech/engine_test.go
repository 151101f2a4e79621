package biomech

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/san-kum/motion-analysis/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kp(name string, x, y float64) models.Keypoint {
	return models.Keypoint{Name: name, X: x, Y: y, Confidence: 0.9}
}

func TestAngle(t *testing.T) {
	t.Parallel()

	t.Run("right angle", func(t *testing.T) {
		got := Angle(kp("a", 1, 0), kp("b", 0, 0), kp("c", 0, 1))
		assert.InDelta(t, 90.0, got, 1e-9)
	})

	t.Run("straight line", func(t *testing.T) {
		got := Angle(kp("a", 0, 0), kp("b", 0, 1), kp("c", 0, 2))
		assert.InDelta(t, 180.0, got, 1e-9)
	})

	t.Run("reflex difference is folded", func(t *testing.T) {
		got := Angle(kp("a", -1, -0.1), kp("b", 0, 0), kp("c", -1, 0.1))
		assert.InDelta(t, 11.42, got, 0.01)
	})

	t.Run("low confidence yields sentinel", func(t *testing.T) {
		weak := models.Keypoint{Name: "b", X: 0, Y: 0, Confidence: 0.29}
		assert.Equal(t, 0.0, Angle(kp("a", 1, 0), weak, kp("c", 0, 1)))
		assert.Equal(t, 0.0, Angle(weak, kp("b", 0, 0), kp("c", 0, 1)))
		assert.Equal(t, 0.0, Angle(kp("a", 1, 0), kp("b", 0, 0), models.Keypoint{}))
	})

	t.Run("threshold confidence is usable", func(t *testing.T) {
		edge := models.Keypoint{Name: "b", Confidence: 0.3}
		assert.InDelta(t, 90.0, Angle(kp("a", 1, 0), edge, kp("c", 0, 1)), 1e-9)
	})
}

func TestAngleSymmetryAndBounds(t *testing.T) {
	t.Parallel()

	coords := []float64{-250, -3.5, 0, 0.25, 7, 480}
	for _, ax := range coords {
		for _, ay := range coords {
			for _, cx := range coords {
				for _, cy := range coords {
					a, b, c := kp("a", ax, ay), kp("b", 1.5, -2), kp("c", cx, cy)
					forward := Angle(a, b, c)
					backward := Angle(c, b, a)
					require.InDelta(t, forward, backward, 1e-9)
					require.GreaterOrEqual(t, forward, 0.0)
					require.LessOrEqual(t, forward, 180.0)
				}
			}
		}
	}
}

func standingPose() models.Pose {
	p := models.NewPose()
	set := func(name string, x, y float64) { p[name] = kp(name, x, y) }
	set(models.Nose, 130, 20)
	set(models.LeftShoulder, 90, 50)
	set(models.RightShoulder, 110, 50)
	set(models.LeftElbow, 90, 80)
	set(models.RightElbow, 110, 80)
	set(models.LeftWrist, 90, 110)
	set(models.RightWrist, 110, 110)
	set(models.LeftHip, 90, 100)
	set(models.RightHip, 110, 100)
	set(models.LeftKnee, 90, 150)
	set(models.RightKnee, 110, 150)
	set(models.LeftAnkle, 90, 200)
	set(models.RightAnkle, 110, 200)
	return p
}

func TestComputeAngles(t *testing.T) {
	t.Parallel()

	t.Run("empty pose reads sentinel everywhere", func(t *testing.T) {
		angles := ComputeAngles(models.NewPose())
		require.Len(t, angles, 7)
		for joint, v := range angles {
			assert.Equal(t, 0.0, v, joint)
		}
	})

	t.Run("standing pose", func(t *testing.T) {
		angles := ComputeAngles(standingPose())
		assert.InDelta(t, 180.0, angles[models.JointLeftKnee], 1e-9)
		assert.InDelta(t, 180.0, angles[models.JointRightElbow], 1e-9)
		assert.InDelta(t, 180.0, angles[models.JointLeftHip], 1e-9)
		assert.InDelta(t, 0.0, angles[models.JointTorsoLean], 1e-9)
	})

	t.Run("torso lean", func(t *testing.T) {
		p := standingPose()
		p[models.LeftShoulder] = kp(models.LeftShoulder, 140, 50)
		p[models.RightShoulder] = kp(models.RightShoulder, 160, 50)
		assert.InDelta(t, 45.0, TorsoLean(p), 1e-9)
	})
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	engine := NewEngine(DefaultRules(), DefaultLimits())

	t.Run("unknown exercise", func(t *testing.T) {
		eval, err := engine.Evaluate(models.JointAngleSet{models.JointLeftKnee: 10}, "yoga")
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrUnknownExercise))
		assert.Empty(t, eval.Findings)
		assert.False(t, eval.AllWithinRange)
	})

	t.Run("within range", func(t *testing.T) {
		eval, err := engine.Evaluate(models.JointAngleSet{
			models.JointLeftKnee:  100,
			models.JointRightKnee: 80,
		}, models.ExerciseSquat)
		require.NoError(t, err)
		assert.True(t, eval.AllWithinRange)
		assert.Empty(t, eval.Findings)
	})

	t.Run("out of range severities", func(t *testing.T) {
		eval, err := engine.Evaluate(models.JointAngleSet{
			models.JointLeftKnee:  45,
			models.JointRightKnee: 125,
		}, models.ExerciseSquat)
		require.NoError(t, err)
		assert.False(t, eval.AllWithinRange)
		require.Len(t, eval.Findings, 2)

		assert.Equal(t, models.JointLeftKnee, eval.Findings[0].Joint)
		assert.Equal(t, models.SeverityHigh, eval.Findings[0].Severity)
		assert.Equal(t, "left knee angle is out of range (80-120°). Current: 45.0°", eval.Findings[0].Correction)

		assert.Equal(t, models.JointRightKnee, eval.Findings[1].Joint)
		assert.Equal(t, models.SeverityModerate, eval.Findings[1].Severity)
	})

	t.Run("sentinel is evaluated like any angle", func(t *testing.T) {
		eval, err := engine.Evaluate(models.JointAngleSet{}, models.ExercisePushUp)
		require.NoError(t, err)
		require.Len(t, eval.Findings, 2)
		assert.Equal(t, 0.0, eval.Findings[0].Angle)
	})

	t.Run("torso lean", func(t *testing.T) {
		base := models.JointAngleSet{models.JointLeftKnee: 100, models.JointRightKnee: 100}

		base[models.JointTorsoLean] = 35
		eval, err := engine.Evaluate(base, models.ExerciseSquat)
		require.NoError(t, err)
		require.Len(t, eval.Findings, 1)
		assert.Equal(t, models.IssueExcessiveLean, eval.Findings[0].Issue)
		assert.Equal(t, models.SeverityModerate, eval.Findings[0].Severity)

		base[models.JointTorsoLean] = 50
		eval, err = engine.Evaluate(base, models.ExerciseSquat)
		require.NoError(t, err)
		assert.Equal(t, models.SeverityHigh, eval.Findings[0].Severity)
	})

	t.Run("torso lean exempt for push up", func(t *testing.T) {
		eval, err := engine.Evaluate(models.JointAngleSet{
			models.JointLeftElbow:  90,
			models.JointRightElbow: 90,
			models.JointTorsoLean:  88,
		}, models.ExercisePushUp)
		require.NoError(t, err)
		assert.True(t, eval.AllWithinRange)
	})
}

func TestEvaluatePoseHyperextension(t *testing.T) {
	t.Parallel()
	engine := NewEngine(DefaultRules(), DefaultLimits())

	p := standingPose()
	// Facing +x; the right knee sits behind the hip-ankle line.
	p[models.RightKnee] = kp(models.RightKnee, 105, 150)

	ext, ok := KneeExtension(p, false)
	require.True(t, ok)
	assert.InDelta(t, 191.42, ext, 0.01)

	_, eval, err := engine.EvaluatePose(p, models.ExerciseDeadlift)
	require.NoError(t, err)

	var hyper []Finding
	for _, f := range eval.Findings {
		if f.Issue == models.IssueHyperextension {
			hyper = append(hyper, f)
		}
	}
	require.Len(t, hyper, 1)
	assert.Equal(t, models.JointRightKnee, hyper[0].Joint)
	assert.Equal(t, models.SeverityHigh, hyper[0].Severity)
	assert.False(t, eval.AllWithinRange)

	t.Run("not computable without nose", func(t *testing.T) {
		p := p
		p[models.Nose] = models.Keypoint{Name: models.Nose}
		_, ok := KneeExtension(p, false)
		assert.False(t, ok)
	})
}

func TestLoadRules(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
limits:
  knee_hyperextension: 195
  torso_lean: 40
  torso_lean_high: 60
exercises:
  lunge:
    description: Keep the front knee near 90 degrees.
    joint_angles:
      leftKnee: {min: 80, max: 100}
    exempt: [torso_lean]
  squat:
    description: Deeper squat.
    joint_angles:
      leftKnee: {min: 60, max: 100}
`), 0o644))

	rules, limits, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, 40.0, limits.TorsoLean)
	assert.Contains(t, rules, models.ExerciseType("lunge"))
	assert.Contains(t, rules, models.ExerciseDeadlift)
	assert.Equal(t, models.AngleRange{Min: 60, Max: 100}, rules[models.ExerciseSquat].JointAngles[models.JointLeftKnee])
	assert.Equal(t, []string{CheckTorsoLean}, rules["lunge"].Exempt)

	t.Run("inverted range", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte(`
exercises:
  squat:
    joint_angles:
      leftKnee: {min: 120, max: 80}
`), 0o644))
		_, _, err := LoadRules(bad)
		assert.Error(t, err)
	})
}

func TestDefaultTorsoLeanExemptions(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()
	for _, e := range []models.ExerciseType{models.ExercisePushUp, models.ExerciseDeadlift, models.ExerciseBenchPress} {
		assert.True(t, rules[e].exempt(CheckTorsoLean), "%s should skip torso lean", e)
	}
	assert.False(t, rules[models.ExerciseSquat].exempt(CheckTorsoLean))
}
