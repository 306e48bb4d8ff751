/*
Package grid implements the sparse label-voxel layer: fixed-edge cubic
blocks of label voxels keyed by block coordinate. Blocks are the unit of
allocation; voxels inside them are addressed by local or global voxel
coordinates.
*/
package grid

import (
	"sync/atomic"

	"github.com/seqsense/pcgol/mat"

	"github.com/janelia-flyem/voxfuse/voxfuse"
)

// LabelVoxel stores the label seated in a voxel together with the evidence
// accumulated for it. A zero label means the voxel has never been observed.
type LabelVoxel struct {
	Label      voxfuse.Label
	Confidence voxfuse.LabelConfidence
}

// Block is a fixed-edge cube of label voxels. The dirty flag is set on any
// voxel write and may be toggled concurrently, so it is atomic.
type Block struct {
	origin        mat.Vec3
	voxelsPerSide int32
	voxels        []LabelVoxel
	updated       atomic.Bool
}

// NewBlock returns a zero-initialized block with the given edge length and
// world-space origin.
func NewBlock(voxelsPerSide int32, origin mat.Vec3) *Block {
	n := int(voxelsPerSide) * int(voxelsPerSide) * int(voxelsPerSide)
	return &Block{
		origin:        origin,
		voxelsPerSide: voxelsPerSide,
		voxels:        make([]LabelVoxel, n),
	}
}

// Origin returns the world-space minimum corner of the block.
func (b *Block) Origin() mat.Vec3 {
	return b.origin
}

// VoxelsPerSide returns the edge length of the block in voxels.
func (b *Block) VoxelsPerSide() int32 {
	return b.voxelsPerSide
}

// NumVoxels returns the total number of voxels in the block.
func (b *Block) NumVoxels() int {
	return len(b.voxels)
}

// Voxel returns a pointer to the voxel at the given local coordinate.
// Callers mutating the voxel must hold its stripe lock.
func (b *Block) Voxel(local voxfuse.Point3d) *LabelVoxel {
	vps := b.voxelsPerSide
	return &b.voxels[local[0]+vps*(local[1]+vps*local[2])]
}

// VoxelByLinearIndex returns a pointer to the i'th voxel in x-fastest order.
func (b *Block) VoxelByLinearIndex(i int) *LabelVoxel {
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
