package biomech

import (
	"math"

	"github.com/san-kum/motion-analysis/server/models"
)

// chain is a three-landmark chain whose angle is measured at the middle point.
type chain struct {
	a, b, c string
}

var jointChains = map[string]chain{
	models.JointLeftKnee:   {models.LeftHip, models.LeftKnee, models.LeftAnkle},
	models.JointRightKnee:  {models.RightHip, models.RightKnee, models.RightAnkle},
	models.JointLeftElbow:  {models.LeftShoulder, models.LeftElbow, models.LeftWrist},
	models.JointRightElbow: {models.RightShoulder, models.RightElbow, models.RightWrist},
	models.JointLeftHip:    {models.LeftShoulder, models.LeftHip, models.LeftKnee},
	models.JointRightHip:   {models.RightShoulder, models.RightHip, models.RightKnee},
}

// ComputeAngles derives every tracked joint angle from a pose. Joints whose
// landmarks are missing or below the confidence threshold read 0.
func ComputeAngles(pose models.Pose) models.JointAngleSet {
	angles := make(models.JointAngleSet, len(jointChains)+1)
	for joint, ch := range jointChains {
		angles[joint] = Angle(pose[ch.a], pose[ch.b], pose[ch.c])
	}
	angles[models.JointTorsoLean] = TorsoLean(pose)
	return angles
}

// Angle returns the angle at b formed by a-b-c, in degrees within [0,180].
// Any unusable point yields 0.
func Angle(a, b, c models.Keypoint) float64 {
	if !a.Usable() || !b.Usable() || !c.Usable() {
		return 0
	}
	return fold(rawAngle(a, b, c))
}

// rawAngle is the unsigned difference of the two ray headings, in [0,360).
func rawAngle(a, b, c models.Keypoint) float64 {
	radians := math.Atan2(c.Y-b.Y, c.X-b.X) - math.Atan2(a.Y-b.Y, a.X-b.X)
	return math.Abs(radians * 180 / math.Pi)
}

func fold(angle float64) float64 {
	if angle > 180 {
		return 360 - angle
	}
	return angle
}

// TorsoLean is the angle between the hip-midpoint to shoulder-midpoint vector
// and vertical. Image y grows downward, so upright reads 0.
func TorsoLean(pose models.Pose) float64 {
	ls, rs := pose[models.LeftShoulder], pose[models.RightShoulder]
	lh, rh := pose[models.LeftHip], pose[models.RightHip]
	if !ls.Usable() || !rs.Usable() || !lh.Usable() || !rh.Usable() {
		return 0
	}

	dx := (ls.X+rs.X)/2 - (lh.X+rh.X)/2
	dy := (ls.Y+rs.Y)/2 - (lh.Y+rh.Y)/2
	if dx == 0 && dy == 0 {
		return 0
	}
	return math.Atan2(math.Abs(dx), -dy) * 180 / math.Pi
}

// KneeExtension measures the hip-knee-ankle angle on the flexion side, so a
// straight leg reads 180 and a knee pushed backwards past straight reads more.
// Facing direction comes from the nose relative to the hip. ok is false when
// any required landmark is unusable.
func KneeExtension(pose models.Pose, left bool) (float64, bool) {
	hip, knee, ankle := pose[models.RightHip], pose[models.RightKnee], pose[models.RightAnkle]
	if left {
		hip, knee, ankle = pose[models.LeftHip], pose[models.LeftKnee], pose[models.LeftAnkle]
	}
	nose := pose[models.Nose]
	if !hip.Usable() || !knee.Usable() || !ankle.Usable() || !nose.Usable() {
		return 0, false
	}
	if ankle.Y == hip.Y || nose.X == hip.X {
		return 0, false
	}

	folded := fold(rawAngle(hip, knee, ankle))
	lineX := hip.X + (ankle.X-hip.X)*(knee.Y-hip.Y)/(ankle.Y-hip.Y)
	offset := knee.X - lineX
	facing := nose.X - hip.X
	if offset*facing < 0 {
		return 360 - folded, true
	}
	return folded, true
}
