/*
	This file defines the indexing schemes used by the sparse voxel grids:
	global voxel coordinates, block (chunk) coordinates, and conversions
	between them and world-space points.
*/

package voxfuse

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/seqsense/pcgol/mat"
)

// Point3d is a global voxel coordinate, addressing one voxel in the
// infinite grid regardless of block allocation.
type Point3d [3]int32

// ChunkPoint3d is a block coordinate, the partition of global voxel space
// into fixed-edge cubes that serve as the unit of allocation.
type ChunkPoint3d [3]int32

func (p Point3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

func (c ChunkPoint3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c[0], c[1], c[2])
}

// Equals returns true if the points have identical coordinates.
func (p Point3d) Equals(p2 Point3d) bool {
	return p[0] == p2[0] && p[1] == p2[1] && p[2] == p2[2]
}

// Chunk returns the block coordinate of the block containing this voxel,
// correct for negative coordinates.
func (p Point3d) Chunk(voxelsPerSide int32) ChunkPoint3d {
	return ChunkPoint3d{
		floorDiv(p[0], voxelsPerSide),
		floorDiv(p[1], voxelsPerSide),
		floorDiv(p[2], voxelsPerSide),
	}
}

// PointInChunk returns this voxel's local coordinate within its block,
// with each component in [0, voxelsPerSide).
func (p Point3d) PointInChunk(voxelsPerSide int32) Point3d {
	c := p.Chunk(voxelsPerSide)
	return Point3d{
		p[0] - c[0]*voxelsPerSide,
		p[1] - c[1]*voxelsPerSide,
		p[2] - c[2]*voxelsPerSide,
	}
}

// Hash returns a stripe index in [0, 1<<bits) for this voxel. FNV-1a over
// the packed coordinates gives well-mixed low bits, so nearby voxels map
// to different stripes.
func (p Point3d) Hash(bits uint) uint32 {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(p[0]))
	binary.LittleEndian.PutUint32(b[4:8], uint32(p[1]))
	binary.LittleEndian.PutUint32(b[8:12], uint32(p[2]))
	h := fnv.New64a()
	h.Write(b[:])
	return uint32(h.Sum64() & (1<<bits - 1))
}

// VoxelIndexFromPoint returns the global voxel coordinate containing the
// given world-space point.
func VoxelIndexFromPoint(p mat.Vec3, voxelSizeInv float32) Point3d {
	return Point3d{
		floorInt32(p[0] * voxelSizeInv),
		floorInt32(p[1] * voxelSizeInv),
		floorInt32(p[2] * voxelSizeInv),
	}
}

// CenterPointFromVoxelIndex returns the world-space center of a voxel.
func CenterPointFromVoxelIndex(idx Point3d, voxelSize float32) mat.Vec3 {
	return mat.Vec3{
		(float32(idx[0]) + 0.5) * voxelSize,
		(float32(idx[1]) + 0.5) * voxelSize,
		(float32(idx[2]) + 0.5) * voxelSize,
	}
}

// OriginFromChunkPoint returns the world-space origin (minimum corner) of
// a block.
func OriginFromChunkPoint(c ChunkPoint3d, blockSize float32) mat.Vec3 {
	return mat.Vec3{
		float32(c[0]) * blockSize,
		float32(c[1]) * blockSize,
		float32(c[2]) * blockSize,
	}
}

func floorInt32(x float32) int32 {
	return int32(math.Floor(float64(x)))
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
