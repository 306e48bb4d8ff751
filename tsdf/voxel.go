/*
Package tsdf implements the truncated signed-distance field half of the
fusion system: the sparse distance-voxel layer, ray bundling and casting,
and the merged distance update rule. The label-aware integrator in the
fusion package drives this one and adds label semantics on top.
*/
package tsdf

import (
	"sync/atomic"

	"github.com/seqsense/pcgol/mat"

	"github.com/janelia-flyem/voxfuse/voxfuse"
)

// Color is an RGB voxel color.
type Color [3]uint8

// BlendColors returns the weighted blend of two colors.
func BlendColors(a Color, weightA float32, b Color, weightB float32) Color {
	total := weightA + weightB
	if total <= 0 {
		return a
	}
	var out Color
	for i := 0; i < 3; i++ {
		out[i] = uint8((float32(a[i])*weightA + float32(b[i])*weightB) / total)
	}
	return out
}

// TsdfVoxel stores the truncated signed distance to the nearest surface,
// the weight of the evidence behind it, and a blended surface color.
type TsdfVoxel struct {
	Distance float32
	Weight   float32
	Color    Color
}

// Block is a fixed-edge cube of TSDF voxels.
type Block struct {
	origin        mat.Vec3
	voxelsPerSide int32
	voxels        []TsdfVoxel
	updated       atomic.Bool
}

// NewBlock returns a zero-initialized block with the given edge length and
// world-space origin.
func NewBlock(voxelsPerSide int32, origin mat.Vec3) *Block {
	n := int(voxelsPerSide) * int(voxelsPerSide) * int(voxelsPerSide)
	return &Block{
		origin:        origin,
		voxelsPerSide: voxelsPerSide,
		voxels:        make([]TsdfVoxel, n),
	}
}

// Origin returns the world-space minimum corner of the block.
func (b *Block) Origin() mat.Vec3 {
	return b.origin
}

// NumVoxels returns the total number of voxels in the block.
func (b *Block) NumVoxels() int {
	return len(b.voxels)
}

// Voxel returns a pointer to the voxel at the given local coordinate.
func (b *Block) Voxel(local voxfuse.Point3d) *TsdfVoxel {
	vps := b.voxelsPerSide
	return &b.voxels[local[0]+vps*(local[1]+vps*local[2])]
}

// VoxelByLinearIndex returns a pointer to the i'th voxel in x-fastest order.
func (b *Block) VoxelByLinearIndex(i int) *TsdfVoxel {
	return &b.voxels[i]
}

// Updated returns true if any voxel in the block has been written since the
// flag was last cleared.
func (b *Block) Updated() bool {
	return b.updated.Load()
}

// SetUpdated sets or clears the dirty flag.
func (b *Block) SetUpdated(updated bool) {
	b.updated.Store(updated)
}
