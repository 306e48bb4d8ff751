package tsdf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/seqsense/pcgol/mat"

	"github.com/janelia-flyem/voxfuse/voxfuse"
)

// BlockCursor caches the last block touched during a ray walk so
// consecutive voxels in the same block skip the layer lookup.
type BlockCursor struct {
	idx   voxfuse.ChunkPoint3d
	block *Block
}

// Integrator fuses bundled distance observations into a TSDF layer. Voxel
// updates are serialized by striped locks; blocks for unallocated regions
// grow in a scratch map guarded by its own mutex and are merged into the
// layer by FlushScratch once workers are done.
type Integrator struct {
	cfg   Config
	layer *Layer
	locks *voxfuse.StripedLocks

	tempMu     sync.Mutex
	tempBlocks map[voxfuse.ChunkPoint3d]*Block
}

// NewIntegrator returns an integrator over the given layer.
func NewIntegrator(cfg Config, layer *Layer) (*Integrator, error) {
	if layer == nil {
		return nil, errors.New("tsdf integrator requires a non-nil layer")
	}
	if cfg.IntegratorThreads < 1 {
		return nil, fmt.Errorf("integrator threads must be at least 1, got %d", cfg.IntegratorThreads)
	}
	return &Integrator{
		cfg:        cfg,
		layer:      layer,
		locks:      voxfuse.NewStripedLocks(voxfuse.DefaultStripeBits),
		tempBlocks: make(map[voxfuse.ChunkPoint3d]*Block),
	}, nil
}

func (ti *Integrator) Config() Config { return ti.cfg }
func (ti *Integrator) Layer() *Layer  { return ti.layer }

// VoxelWeight returns the update weight for a camera-frame point, falling
// off with the square of its depth. Points with (near) zero depth
// contribute nothing; the maximum ray length is not consulted here.
func (ti *Integrator) VoxelWeight(pointC mat.Vec3) float32 {
	distZ := pointC[2]
	if distZ < 0 {
		distZ = -distZ
	}
	if distZ > kEpsilon {
		return 1.0 / (distZ * distZ)
	}
	return 0
}

// AllocateStorageAndGetVoxel returns a pointer to the voxel at globalIdx,
// allocating a scratch block when its region is unallocated. Thread safe:
// only scratch-map growth takes the scratch mutex, and the block cursor
// keeps repeat lookups off even that path.
func (ti *Integrator) AllocateStorageAndGetVoxel(globalIdx voxfuse.Point3d, cursor *BlockCursor) *TsdfVoxel {
	vps := ti.layer.VoxelsPerSide()
	blockIdx := globalIdx.Chunk(vps)

	if cursor.block == nil || cursor.idx != blockIdx {
		cursor.block = ti.layer.BlockByIndex(blockIdx)
		cursor.idx = blockIdx
	}
	if cursor.block == nil {
		// Only one goroutine at a time may grow the scratch map.
		ti.tempMu.Lock()
		b, found := ti.tempBlocks[blockIdx]
		if !found {
			b = NewBlock(vps, ti.layer.OriginFromBlockIndex(blockIdx))
			ti.tempBlocks[blockIdx] = b
		}
		ti.tempMu.Unlock()
		cursor.block = b
	}
	cursor.block.SetUpdated(true)
	return cursor.block.Voxel(globalIdx.PointInChunk(vps))
}

// computeDistance returns the signed distance of a voxel center from the
// measured surface point, projected along the ray from the sensor origin.
func computeDistance(origin, pointG, voxelCenter mat.Vec3) float32 {
	vVoxelOrigin := voxelCenter.Sub(origin)
	vPointOrigin := pointG.Sub(origin)
	distG := vPointOrigin.Norm()
	if distG < kEpsilon {
		return 0
	}
	distGV := vVoxelOrigin.Dot(vPointOrigin) / distG
	return distG - distGV
}

// UpdateTsdfVoxel merges one observation into a distance voxel: a weighted
// running average of projected distance, clamped to the truncation band,
// with the total weight capped. Thread safe via the voxel's stripe lock.
func (ti *Integrator) UpdateTsdfVoxel(origin, pointG mat.Vec3, globalIdx voxfuse.Point3d,
	color Color, weight float32, voxel *TsdfVoxel) {

	ti.locks.Lock(globalIdx)
	defer ti.locks.Unlock(globalIdx)

	voxelCenter := voxfuse.CenterPointFromVoxelIndex(globalIdx, ti.layer.VoxelSize())
	sdf := computeDistance(origin, pointG, voxelCenter)
	truncation := ti.cfg.DefaultTruncationDistance

	updatedWeight := weight
	if ti.cfg.UseWeightDropoff {
		dropoffEpsilon := ti.layer.VoxelSize()
		if sdf < -dropoffEpsilon {
			updatedWeight = weight * (truncation + sdf) / (truncation - dropoffEpsilon)
			if updatedWeight < 0 {
				updatedWeight = 0
			}
		}
	}

	newWeight := voxel.Weight + updatedWeight
	if newWeight < kEpsilon {
		return
	}
	newDistance := (voxel.Distance*voxel.Weight + sdf*updatedWeight) / newWeight

	if sdf < truncation {
		voxel.Color = BlendColors(voxel.Color, voxel.Weight, color, updatedWeight)
	}
	if newDistance > truncation {
		newDistance = truncation
	} else if newDistance < -truncation {
		newDistance = -truncation
	}
	voxel.Distance = newDistance
	if newWeight > ti.cfg.MaxWeight {
		newWeight = ti.cfg.MaxWeight
	}
	voxel.Weight = newWeight
}

// FlushScratch moves scratch blocks into the live layer and clears the
// scratch map. Must not run concurrently with integration workers.
func (ti *Integrator) FlushScratch() {
	for idx, b := range ti.tempBlocks {
		ti.layer.InsertBlock(idx, b)
	}
	ti.tempBlocks = make(map[voxfuse.ChunkPoint3d]*Block)
}

// NumScratchBlocks returns the number of blocks waiting to be flushed.
func (ti *Integrator) NumScratchBlocks() int {
	ti.tempMu.Lock()
	n := len(ti.tempBlocks)
	ti.tempMu.Unlock()
	return n
}
