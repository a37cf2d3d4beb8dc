// Package posefuse composes a localization result (a pose in the map's
// gravity-aligned frame) with the client's own AR-session pose at capture
// time, producing the transform the client applies to align its local AR
// origin with the shared map — the get_arscene_pose_matrix step of
// coordinate_transforms.py.
package posefuse

import (
	"spatialserver/internal/spatialmath"
)

// Fuse returns the pose the client should apply to its AR origin so that
// its local coordinate frame aligns with mapPose's location in the shared
// map, optionally scaled by a previously estimated reconstruction-to-
// client scale factor. A non-invertible intermediate pose is reported as
// an error, to be surfaced by the caller as a failed localization.
func Fuse(mapPose, clientPose spatialmath.Pose, scale float64) (spatialmath.Pose, error) {
	scaled := mapPose
	if scale > 0 && scale != 1 {
		scaled = mapPose.ScaleTranslation(scale)
	}
	gravity := spatialmath.HlocToGravity(scaled)
	client := spatialmath.GravityToClient(gravity)
	return spatialmath.FuseWithClient(client, clientPose)
}
