package biomech

import (
	"fmt"
	"os"
	"sort"

	"github.com/san-kum/motion-analysis/server/models"
	"gopkg.in/yaml.v3"
)

// Universal check names usable in Rule.Exempt.
const (
	CheckKneeHyperextension = "knee_hyperextension"
	CheckTorsoLean          = "torso_lean"
)

// Rule is an exercise rule plus the universal checks it opts out of.
type Rule struct {
	models.ExerciseRule `yaml:",inline"`
	// Exempt names universal checks skipped for this exercise. The universal
	// checks otherwise apply to every exercise; DefaultRules departs from
	// that by exempting push_up, deadlift and bench_press from the torso lean
	// check, where a non-vertical torso is the intended position.
	Exempt []string `json:"exempt,omitempty" yaml:"exempt"`
}

func (r Rule) exempt(check string) bool {
	for _, e := range r.Exempt {
		if e == check {
			return true
		}
	}
	return false
}

// Limits are absolute injury-risk thresholds applied regardless of exercise.
type Limits struct {
	KneeHyperextension float64 `yaml:"knee_hyperextension"`
	TorsoLean          float64 `yaml:"torso_lean"`
	TorsoLeanHigh      float64 `yaml:"torso_lean_high"`
}

func DefaultLimits() Limits {
	return Limits{
		KneeHyperextension: 190,
		TorsoLean:          30,
		TorsoLeanHigh:      45,
	}
}

// DefaultRules returns the built-in rule catalog.
func DefaultRules() map[models.ExerciseType]Rule {
	return map[models.ExerciseType]Rule{
		models.ExerciseSquat: {
			ExerciseRule: models.ExerciseRule{
				Description: "In a squat the knee angle should stay between 80 and 120 degrees at the bottom of the movement.",
				JointAngles: map[string]models.AngleRange{
					models.JointLeftKnee:  {Min: 80, Max: 120},
					models.JointRightKnee: {Min: 80, Max: 120},
				},
			},
		},
		models.ExercisePushUp: {
			ExerciseRule: models.ExerciseRule{
				Description: "In a push-up the elbow angle should be close to 90 degrees.",
				JointAngles: map[string]models.AngleRange{
					models.JointLeftElbow:  {Min: 75, Max: 105},
					models.JointRightElbow: {Min: 75, Max: 105},
				},
			},
			Exempt: []string{CheckTorsoLean},
		},
		models.ExerciseDeadlift: {
			ExerciseRule: models.ExerciseRule{
				Description: "In a deadlift keep the back straight while lifting the weight.",
				JointAngles: map[string]models.AngleRange{
					models.JointLeftHip:  {Min: 170, Max: 180},
					models.JointRightHip: {Min: 170, Max: 180},
				},
			},
			Exempt: []string{CheckTorsoLean},
		},
		models.ExerciseBenchPress: {
			ExerciseRule: models.ExerciseRule{
				Description: "In a bench press the elbow angle should be 90 degrees on the way down.",
				JointAngles: map[string]models.AngleRange{
					models.JointLeftElbow:  {Min: 75, Max: 105},
					models.JointRightElbow: {Min: 75, Max: 105},
				},
			},
			Exempt: []string{CheckTorsoLean},
		},
	}
}

type ruleFile struct {
	Limits    *Limits         `yaml:"limits"`
	Exercises map[string]Rule `yaml:"exercises"`
}

// LoadRules reads a YAML rule file and merges it over the defaults. Entries in
// the file replace built-in rules of the same name and may add new exercises.
func LoadRules(path string) (map[models.ExerciseType]Rule, Limits, error) {
	rules := DefaultRules()
	limits := DefaultLimits()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, limits, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, limits, fmt.Errorf("failed to parse rules file: %w", err)
	}

	if file.Limits != nil {
		limits = *file.Limits
	}
	for name, rule := range file.Exercises {
		if len(rule.JointAngles) == 0 {
			return nil, limits, fmt.Errorf("exercise %q has no joint angles", name)
		}
		for joint, r := range rule.JointAngles {
			if r.Min > r.Max {
				return nil, limits, fmt.Errorf("exercise %q joint %s: min %.1f above max %.1f", name, joint, r.Min, r.Max)
			}
		}
		rules[models.NormalizeExercise(name)] = rule
	}

	return rules, limits, nil
}

func sortedJoints(r map[string]models.AngleRange) []string {
	joints := make([]string, 0, len(r))
	for j := range r {
		joints = append(joints, j)
	}
	sort.Strings(joints)
	return joints
}
