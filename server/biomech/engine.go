package biomech

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/san-kum/motion-analysis/server/models"
)

// Deviation beyond which an out-of-range joint is a high severity issue.
const highDeviation = 15.0

// Finding is one rule violation in a single frame.
type Finding struct {
	Joint      string          `json:"joint"`
	Issue      string          `json:"issue"`
	Severity   models.Severity `json:"severity"`
	Correction string          `json:"correction"`
	Angle      float64         `json:"angle"`
}

type Evaluation struct {
	AllWithinRange bool      `json:"all_within_range"`
	Findings       []Finding `json:"findings"`
}

type Engine struct {
	rules  map[models.ExerciseType]Rule
	limits Limits
}

func NewEngine(rules map[models.ExerciseType]Rule, limits Limits) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Engine{rules: rules, limits: limits}
}

// Known reports whether a rule exists for the exercise.
func (e *Engine) Known(t models.ExerciseType) bool {
	_, ok := e.rules[t]
	return ok
}

func (e *Engine) Rule(t models.ExerciseType) (Rule, bool) {
	r, ok := e.rules[t]
	return r, ok
}

// Exercises lists the exercises with rules, sorted.
func (e *Engine) Exercises() []models.ExerciseType {
	out := make([]models.ExerciseType, 0, len(e.rules))
	for t := range e.rules {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Evaluate checks the angles against the exercise rule and the universal
// torso lean limit.
func (e *Engine) Evaluate(angles models.JointAngleSet, exercise models.ExerciseType) (Evaluation, error) {
	rule, ok := e.rules[exercise]
	if !ok {
		return Evaluation{}, fmt.Errorf("%w: %q", models.ErrUnknownExercise, exercise)
	}

	var findings []Finding
	for _, joint := range sortedJoints(rule.JointAngles) {
		r := rule.JointAngles[joint]
		angle := angles[joint]
		if r.Contains(angle) {
			continue
		}
		findings = append(findings, Finding{
			Joint:      joint,
			Issue:      models.IssueOutOfRange,
			Severity:   rangeSeverity(angle, r),
			Correction: rangeCorrection(joint, r, angle),
			Angle:      angle,
		})
	}

	if !rule.exempt(CheckTorsoLean) && e.limits.TorsoLean > 0 {
		if lean := angles[models.JointTorsoLean]; lean > e.limits.TorsoLean {
			sev := models.SeverityModerate
			if e.limits.TorsoLeanHigh > 0 && lean > e.limits.TorsoLeanHigh {
				sev = models.SeverityHigh
			}
			findings = append(findings, Finding{
				Joint:      models.JointTorsoLean,
				Issue:      models.IssueExcessiveLean,
				Severity:   sev,
				Correction: fmt.Sprintf("torso leans %.1f° from vertical (limit %s°). Keep your chest up.", lean, formatDegrees(e.limits.TorsoLean)),
				Angle:      lean,
			})
		}
	}

	return Evaluation{AllWithinRange: len(findings) == 0, Findings: findings}, nil
}

// EvaluatePose computes the angles of a pose and evaluates them, adding the
// knee hyperextension check, which needs the raw landmarks.
func (e *Engine) EvaluatePose(pose models.Pose, exercise models.ExerciseType) (models.JointAngleSet, Evaluation, error) {
	angles := ComputeAngles(pose)
	eval, err := e.Evaluate(angles, exercise)
	if err != nil {
		return angles, eval, err
	}

	rule := e.rules[exercise]
	if rule.exempt(CheckKneeHyperextension) || e.limits.KneeHyperextension <= 0 {
		return angles, eval, nil
	}

	for _, side := range []struct {
		left  bool
		joint string
	}{{true, models.JointLeftKnee}, {false, models.JointRightKnee}} {
		ext, ok := KneeExtension(pose, side.left)
		if !ok || ext <= e.limits.KneeHyperextension {
			continue
		}
		eval.Findings = append(eval.Findings, Finding{
			Joint:      side.joint,
			Issue:      models.IssueHyperextension,
			Severity:   models.SeverityHigh,
			Correction: fmt.Sprintf("%s is hyperextended (%.1f°). Keep a soft bend in the knee.", humanJoint(side.joint), ext),
			Angle:      ext,
		})
		eval.AllWithinRange = false
	}

	return angles, eval, nil
}

func rangeSeverity(angle float64, r models.AngleRange) models.Severity {
	dev := r.Min - angle
	if angle > r.Max {
		dev = angle - r.Max
	}
	if dev > highDeviation {
		return models.SeverityHigh
	}
	return models.SeverityModerate
}

func rangeCorrection(joint string, r models.AngleRange, angle float64) string {
	return fmt.Sprintf("%s angle is out of range (%s-%s°). Current: %.1f°",
		humanJoint(joint), formatDegrees(r.Min), formatDegrees(r.Max), angle)
}

var upperRe = regexp.MustCompile(`([A-Z])`)

// humanJoint turns "leftKnee" into "left knee".
func humanJoint(joint string) string {
	return strings.ToLower(upperRe.ReplaceAllString(joint, " $1"))
}

func formatDegrees(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
