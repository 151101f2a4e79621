package models

// MinKeypointConfidence is the confidence below which a landmark is not used
// for angle computation.
const MinKeypointConfidence = 0.3

// Canonical landmark names, in the order pose models emit them.
const (
	Nose          = "nose"
	LeftEye       = "left_eye"
	RightEye      = "right_eye"
	LeftEar       = "left_ear"
	RightEar      = "right_ear"
	LeftShoulder  = "left_shoulder"
	RightShoulder = "right_shoulder"
	LeftElbow     = "left_elbow"
	RightElbow    = "right_elbow"
	LeftWrist     = "left_wrist"
	RightWrist    = "right_wrist"
	LeftHip       = "left_hip"
	RightHip      = "right_hip"
	LeftKnee      = "left_knee"
	RightKnee     = "right_knee"
	LeftAnkle     = "left_ankle"
	RightAnkle    = "right_ankle"
)

// Landmarks is the fixed landmark set every Pose carries.
var Landmarks = []string{
	Nose, LeftEye, RightEye, LeftEar, RightEar,
	LeftShoulder, RightShoulder, LeftElbow, RightElbow,
	LeftWrist, RightWrist, LeftHip, RightHip,
	LeftKnee, RightKnee, LeftAnkle, RightAnkle,
}

type Keypoint struct {
	Name       string  `json:"name" msgpack:"name"`
	X          float64 `json:"x" msgpack:"x"`
	Y          float64 `json:"y" msgpack:"y"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
}

// Usable reports whether the keypoint can take part in angle computation.
func (k Keypoint) Usable() bool {
	return k.Confidence >= MinKeypointConfidence
}

// Pose maps landmark name to keypoint. Poses built with NewPose or
// PoseFromKeypoints always hold every name in Landmarks.
type Pose map[string]Keypoint

// NewPose returns a pose with every landmark present and unusable.
func NewPose() Pose {
	p := make(Pose, len(Landmarks))
	for _, name := range Landmarks {
		p[name] = Keypoint{Name: name}
	}
	return p
}

// PoseFromKeypoints builds a pose from an arbitrary keypoint list. Unknown
// names are kept, missing canonical names are filled in with zero confidence.
func PoseFromKeypoints(kps []Keypoint) Pose {
	p := NewPose()
	for _, kp := range kps {
		if kp.Name == "" {
			continue
		}
		p[kp.Name] = kp
	}
	return p
}

// Keypoints returns the canonical landmarks in order.
func (p Pose) Keypoints() []Keypoint {
	out := make([]Keypoint, 0, len(Landmarks))
	for _, name := range Landmarks {
		kp, ok := p[name]
		if !ok {
			kp = Keypoint{Name: name}
		}
		out = append(out, kp)
	}
	return out
}

// HasUsable reports whether at least one landmark was detected with enough
// confidence. Frames without any usable landmark are skipped from scoring.
func (p Pose) HasUsable() bool {
	for _, kp := range p {
		if kp.Usable() {
			return true
		}
	}
	return false
}
