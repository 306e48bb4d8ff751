package tsdf

import (
	"math"
	"sync/atomic"

	"github.com/seqsense/pcgol/mat"

	"github.com/janelia-flyem/voxfuse/voxfuse"
)

const kEpsilon = 1e-6

// ThreadSafeIndex dispenses point indices to concurrent consumers so a
// point cloud can be partitioned without pre-slicing.
type ThreadSafeIndex struct {
	next atomic.Int64
	max  int64
}

// NewThreadSafeIndex returns a dispenser over [0, numPoints).
func NewThreadSafeIndex(numPoints int) *ThreadSafeIndex {
	return &ThreadSafeIndex{max: int64(numPoints)}
}

// NextIndex returns the next unclaimed point index. The second return is
// false once all indices are spent.
func (t *ThreadSafeIndex) NextIndex() (int, bool) {
	i := t.next.Add(1) - 1
	if i >= t.max {
		return 0, false
	}
	return int(i), true
}

// RayCaster walks the global voxel indices pierced by a ray using
// Amanatides & Woo stepping. The surface form extends the ray past the
// measured point by the truncation distance; the clearing form stops the
// ray short of the truncation band.
type RayCaster struct {
	currIdx       voxfuse.Point3d
	stepSigns     [3]int32
	tToNext       [3]float64
	tStepSize     [3]float64
	lengthInSteps int
	currStep      int
}

// NewRayCaster prepares a caster from the sensor origin toward a world-space
// point. With carving disabled, surface rays start at the near edge of the
// truncation band and clearing rays visit only the voxel at their shortened
// end.
func NewRayCaster(origin, pointG mat.Vec3, clearing, carving bool,
	maxRayLength, voxelSizeInv, truncationDistance float32) *RayCaster {

	delta := pointG.Sub(origin)
	dist := delta.Norm()
	var unitRay mat.Vec3
	if dist > kEpsilon {
		unitRay = delta.Mul(1.0 / dist)
	}

	var rayStart, rayEnd mat.Vec3
	if clearing {
		rayLength := dist - truncationDistance
		if rayLength < 0 {
			rayLength = 0
		}
		if rayLength > maxRayLength {
			rayLength = maxRayLength
		}
		rayEnd = origin.Add(unitRay.Mul(rayLength))
		rayStart = rayEnd
		if carving {
			rayStart = origin
		}
	} else {
		rayEnd = pointG.Add(unitRay.Mul(truncationDistance))
		if carving {
			rayStart = origin
		} else {
			rayStart = pointG.Sub(unitRay.Mul(truncationDistance))
		}
	}

	return newRayCasterScaled(rayStart.Mul(voxelSizeInv), rayEnd.Mul(voxelSizeInv))
}

// newRayCasterScaled sets up traversal between two points in voxel units.
func newRayCasterScaled(startScaled, endScaled mat.Vec3) *RayCaster {
	rc := &RayCaster{}
	endIdx := voxfuse.VoxelIndexFromPoint(endScaled, 1)
	rc.currIdx = voxfuse.VoxelIndexFromPoint(startScaled, 1)
	for dim := 0; dim < 3; dim++ {
		diff := endIdx[dim] - rc.currIdx[dim]
		if diff < 0 {
			diff = -diff
		}
		rc.lengthInSteps += int(diff)

		ray := float64(endScaled[dim] - startScaled[dim])
		switch {
		case ray > kEpsilon:
			rc.stepSigns[dim] = 1
		case ray < -kEpsilon:
			rc.stepSigns[dim] = -1
		}
		if rc.stepSigns[dim] == 0 {
			// Never the minimum, so this axis never steps.
			rc.tToNext[dim] = math.Inf(1)
			rc.tStepSize[dim] = math.Inf(1)
			continue
		}
		shifted := float64(startScaled[dim]) - float64(rc.currIdx[dim])
		var distToBoundary float64
		if rc.stepSigns[dim] > 0 {
			distToBoundary = 1.0 - shifted
		} else {
			distToBoundary = -shifted
		}
		rc.tToNext[dim] = distToBoundary / ray
		rc.tStepSize[dim] = float64(rc.stepSigns[dim]) / ray
	}
	return rc
}

// NextRayIndex returns the next voxel pierced by the ray. The second return
// is false once the ray is exhausted.
func (rc *RayCaster) NextRayIndex() (voxfuse.Point3d, bool) {
	if rc.currStep > rc.lengthInSteps {
		return voxfuse.Point3d{}, false
	}
	rc.currStep++
	idx := rc.currIdx

	minDim := 0
	if rc.tToNext[1] < rc.tToNext[minDim] {
		minDim = 1
	}
	if rc.tToNext[2] < rc.tToNext[minDim] {
		minDim = 2
	}
	rc.currIdx[minDim] += rc.stepSigns[minDim]
	rc.tToNext[minDim] += rc.tStepSize[minDim]
	return idx, true
}
