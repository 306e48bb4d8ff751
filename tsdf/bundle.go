package tsdf

import (
	"sort"

	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"

	"github.com/janelia-flyem/voxfuse/voxfuse"
)

// VoxelMap groups point-cloud indices by the global voxel containing the
// endpoint of their ray. One entry is a bundle: all its points are condensed
// into a single representative before ray casting.
type VoxelMap map[voxfuse.Point3d][]int

// SortedKeys returns the bundle keys in a deterministic z, y, x order, so
// workers partition and process bundles identically across runs.
func (m VoxelMap) SortedKeys() []voxfuse.Point3d {
	keys := make([]voxfuse.Point3d, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a[2] != b[2] {
			return a[2] < b[2]
		}
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[0] < b[0]
	})
	return keys
}

// isPointValid reports whether a camera-frame point should be integrated,
// and whether it contributes a clearing ray rather than a surface one.
func (ti *Integrator) isPointValid(pointC mat.Vec3, freespacePoint bool) (valid, clearing bool) {
	dist := pointC.Norm()
	if dist < ti.cfg.MinRayLengthM {
		return false, false
	}
	if dist > ti.cfg.MaxRayLengthM {
		if ti.cfg.AllowClear || freespacePoint {
			return true, true
		}
		return false, false
	}
	return true, freespacePoint
}

// BundleRays partitions a point cloud into surface and clearing bundles
// keyed by the voxel containing each transformed point. Callers may share
// one index dispenser across goroutines; the maps themselves are built by
// whoever drains the dispenser.
func (ti *Integrator) BundleRays(tGC mat.Mat4, pointsC pc.Vec3Slice,
	freespacePoints bool, idx *ThreadSafeIndex) (surfaceMap, clearMap VoxelMap) {

	surfaceMap = make(VoxelMap)
	clearMap = make(VoxelMap)
	for {
		ptIdx, ok := idx.NextIndex()
		if !ok {
			break
		}
		pointC := pointsC.Vec3At(ptIdx)
		valid, clearing := ti.isPointValid(pointC, freespacePoints)
		if !valid {
			continue
		}
		pointG := tGC.TransformAffine(pointC)
		voxelIdx := voxfuse.VoxelIndexFromPoint(pointG, ti.layer.VoxelSizeInv())
		if clearing {
			clearMap[voxelIdx] = append(clearMap[voxelIdx], ptIdx)
		} else {
			surfaceMap[voxelIdx] = append(surfaceMap[voxelIdx], ptIdx)
		}
	}
	return
}
