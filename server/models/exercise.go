package models

import (
	"fmt"
	"strings"
)

type ExerciseType string

const (
	ExerciseSquat      ExerciseType = "squat"
	ExercisePushUp     ExerciseType = "push_up"
	ExerciseDeadlift   ExerciseType = "deadlift"
	ExerciseBenchPress ExerciseType = "bench_press"
	ExerciseUnknown    ExerciseType = "unknown"
)

var exerciseAliases = map[string]ExerciseType{
	"squat":       ExerciseSquat,
	"squats":      ExerciseSquat,
	"push_up":     ExercisePushUp,
	"pushup":      ExercisePushUp,
	"push-up":     ExercisePushUp,
	"deadlift":    ExerciseDeadlift,
	"bench_press": ExerciseBenchPress,
	"benchpress":  ExerciseBenchPress,
	"bench-press": ExerciseBenchPress,
}

// NormalizeExercise maps a free-form label onto an exercise type. Labels that
// are not aliases of a known type are returned lower-cased as-is, so callers
// can still look them up in an extended rule catalog.
func NormalizeExercise(label string) ExerciseType {
	key := strings.ToLower(strings.TrimSpace(label))
	if t, ok := exerciseAliases[key]; ok {
		return t
	}
	if key == "" {
		return ExerciseUnknown
	}
	return ExerciseType(key)
}

// ParseExercise validates a caller supplied hint against the known set.
// The empty string is allowed and means "classify it".
func ParseExercise(s string, known func(ExerciseType) bool) (ExerciseType, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	t := NormalizeExercise(s)
	if t == ExerciseUnknown || !known(t) {
		return "", fmt.Errorf("%w: %q", ErrUnknownExercise, s)
	}
	return t, nil
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
)

// Penalty is the number of points an issue of this severity removes from
// the overall score.
func (s Severity) Penalty() int {
	switch s {
	case SeverityHigh:
		return 5
	case SeverityModerate:
		return 2
	default:
		return 0
	}
}

// ParseSeverity maps remote strings onto a severity; anything unrecognised
// is treated as low.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical", "error":
		return SeverityHigh
	case "moderate", "medium", "warning":
		return SeverityModerate
	default:
		return SeverityLow
	}
}
