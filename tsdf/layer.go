package tsdf

import (
	"fmt"
	"sort"
	"sync"

	"github.com/DmitriyVTitov/size"
	"github.com/seqsense/pcgol/mat"

	"github.com/janelia-flyem/voxfuse/voxfuse"
)

// Layer is a sparse grid of TSDF blocks keyed by block coordinate.
type Layer struct {
	voxelSize     float32
	voxelSizeInv  float32
	voxelsPerSide int32
	blockSize     float32

	mu     sync.RWMutex
	blocks map[voxfuse.ChunkPoint3d]*Block
}

// NewLayer returns an empty layer with the given voxel size in meters and
// block edge length in voxels.
func NewLayer(voxelSize float32, voxelsPerSide int32) (*Layer, error) {
	if voxelSize <= 0 {
		return nil, fmt.Errorf("voxel size must be positive, got %f", voxelSize)
	}
	if voxelsPerSide <= 0 {
		return nil, fmt.Errorf("voxels per side must be positive, got %d", voxelsPerSide)
	}
	return &Layer{
		voxelSize:     voxelSize,
		voxelSizeInv:  1.0 / voxelSize,
		voxelsPerSide: voxelsPerSide,
		blockSize:     voxelSize * float32(voxelsPerSide),
		blocks:        make(map[voxfuse.ChunkPoint3d]*Block),
	}, nil
}

func (l *Layer) VoxelSize() float32    { return l.voxelSize }
func (l *Layer) VoxelSizeInv() float32 { return l.voxelSizeInv }
func (l *Layer) VoxelsPerSide() int32  { return l.voxelsPerSide }
func (l *Layer) BlockSize() float32    { return l.blockSize }

// BlockByIndex returns the block at the given block coordinate, or nil if
// that region is unallocated.
func (l *Layer) BlockByIndex(idx voxfuse.ChunkPoint3d) *Block {
	l.mu.RLock()
	b := l.blocks[idx]
	l.mu.RUnlock()
	return b
}

// InsertBlock adds a block under the given block coordinate, replacing any
// existing block there.
func (l *Layer) InsertBlock(idx voxfuse.ChunkPoint3d, b *Block) {
	l.mu.Lock()
	l.blocks[idx] = b
	l.mu.Unlock()
}

// NumBlocks returns the number of allocated blocks.
func (l *Layer) NumBlocks() int {
	l.mu.RLock()
	n := len(l.blocks)
	l.mu.RUnlock()
	return n
}

// AllBlockIndices returns the coordinates of all allocated blocks in a
// deterministic z, y, x order.
func (l *Layer) AllBlockIndices() []voxfuse.ChunkPoint3d {
	l.mu.RLock()
	indices := make([]voxfuse.ChunkPoint3d, 0, len(l.blocks))
	for idx := range l.blocks {
		indices = append(indices, idx)
	}
	l.mu.RUnlock()
	sort.Slice(indices, func(i, j int) bool {
		a, b := indices[i], indices[j]
		if a[2] != b[2] {
			return a[2] < b[2]
		}
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[0] < b[0]
	})
	return indices
}

// VoxelByGlobalIndex returns a pointer to the voxel at the given global
// coordinate, or nil if its block is unallocated.
func (l *Layer) VoxelByGlobalIndex(global voxfuse.Point3d) *TsdfVoxel {
	b := l.BlockByIndex(global.Chunk(l.voxelsPerSide))
	if b == nil {
		return nil
	}
	return b.Voxel(global.PointInChunk(l.voxelsPerSide))
}

// OriginFromBlockIndex returns the world-space origin of the block at the
// given block coordinate, whether or not it is allocated.
func (l *Layer) OriginFromBlockIndex(idx voxfuse.ChunkPoint3d) mat.Vec3 {
	return voxfuse.OriginFromChunkPoint(idx, l.blockSize)
}

// MemUsage returns the approximate in-memory size of the layer in bytes.
func (l *Layer) MemUsage() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(size.Of(l.blocks))
}
