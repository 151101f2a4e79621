package models

import "time"

// JointAngleSet maps a joint name to its angle in degrees, always in
// [0,180]. Zero doubles as the "unmeasured" sentinel.
type JointAngleSet map[string]float64

// Joint names produced by the rule engine.
const (
	JointLeftKnee   = "leftKnee"
	JointRightKnee  = "rightKnee"
	JointLeftElbow  = "leftElbow"
	JointRightElbow = "rightElbow"
	JointLeftHip    = "leftHip"
	JointRightHip   = "rightHip"
	JointTorsoLean  = "torsoLean"
)

// Issue kinds attached to feedback items.
const (
	IssueOutOfRange     = "out_of_range"
	IssueHyperextension = "hyperextension"
	IssueExcessiveLean  = "excessive_lean"
	IssueRemote         = "remote"
)

// Analysis sources.
const (
	SourceRemote = "remote"
	SourceLocal  = "local"
)

type AngleRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether angle lies within [Min,Max].
func (r AngleRange) Contains(angle float64) bool {
	return angle >= r.Min && angle <= r.Max
}

type ExerciseRule struct {
	Description string                `json:"description" yaml:"description"`
	JointAngles map[string]AngleRange `json:"joint_angles" yaml:"joint_angles"`
}

type FrameFeedback struct {
	Timestamp  int64    `json:"timestamp" msgpack:"timestamp"`
	Joint      string   `json:"joint,omitempty" msgpack:"joint"`
	Issue      string   `json:"issue" msgpack:"issue"`
	Severity   Severity `json:"severity" msgpack:"severity"`
	Correction string   `json:"correction" msgpack:"correction"`
	Score      int      `json:"score" msgpack:"score"`
}

type AnalysisSummary struct {
	OverallScore   int      `json:"overall_score" msgpack:"overall_score"`
	CriticalIssues int      `json:"critical_issues" msgpack:"critical_issues"`
	Suggestions    []string `json:"suggestions" msgpack:"suggestions"`
	FeedbackCount  int      `json:"feedback_count" msgpack:"feedback_count"`
}

type AnalysisResult struct {
	ID                   string          `json:"id,omitempty" msgpack:"id"`
	DetectedExerciseType ExerciseType    `json:"detected_exercise_type" msgpack:"detected_exercise_type"`
	Feedback             []FrameFeedback `json:"feedback" msgpack:"feedback"`
	Summary              AnalysisSummary `json:"summary" msgpack:"summary"`
	Keypoints            []Keypoint      `json:"keypoints" msgpack:"keypoints"`
	Description          string          `json:"description,omitempty" msgpack:"description"`
	Source               string          `json:"source" msgpack:"source"`
	FramesSampled        int             `json:"frames_sampled" msgpack:"frames_sampled"`
	FramesUsed           int             `json:"frames_used" msgpack:"frames_used"`
	ProcessingTime       float64         `json:"processing_time_ms" msgpack:"processing_time_ms"`
	CreatedAt            time.Time       `json:"created_at,omitempty" msgpack:"created_at"`
}

// FrameAnalysis is the result of evaluating one still image.
type FrameAnalysis struct {
	ExerciseType ExerciseType    `json:"exercise_type"`
	Keypoints    []Keypoint      `json:"keypoints"`
	Angles       JointAngleSet   `json:"angles"`
	Correct      bool            `json:"correct"`
	Feedback     []FrameFeedback `json:"feedback"`
	Timestamp    int64           `json:"timestamp"`
}
