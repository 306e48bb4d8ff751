package fusion

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"

	"github.com/janelia-flyem/voxfuse/grid"
	"github.com/janelia-flyem/voxfuse/tsdf"
	"github.com/janelia-flyem/voxfuse/voxfuse"
)

// Integrator fuses labeled point clouds into a shared TSDF + label volume.
// It does not own the layers it writes; callers keep them alive for the
// integrator's lifetime. Integration batches may run many workers; the
// assigner and merge operations are single-threaded and must not overlap a
// running batch.
type Integrator struct {
	cfg     Config
	tsdf    *tsdf.Integrator
	layer   *grid.Layer
	counter *voxfuse.LabelCounter
	locks   *voxfuse.StripedLocks

	// Scratch blocks for label updates that land outside allocated regions.
	// Only map growth takes tempMu; voxel writes inside a scratch block are
	// serialized by the stripe locks like any other voxel.
	tempMu     sync.Mutex
	tempBlocks map[voxfuse.ChunkPoint3d]*grid.Block

	// Pairwise co-occurrence evidence, keyed (smaller label, larger label).
	// Persists across batches until MergeLabels consumes an entry.
	pairwise map[voxfuse.Label]map[voxfuse.Label]int

	// Voxel counts per label, refreshed by LabelsList and adjusted by
	// SwapLabels.
	labelCounts map[voxfuse.Label]int
}

// labelBlockCursor caches the last label block touched during a ray walk.
type labelBlockCursor struct {
	idx   voxfuse.ChunkPoint3d
	block *grid.Block
}

// NewIntegrator returns a label-fusion integrator over the given layers.
// The label layer must share grid geometry with the TSDF layer.
func NewIntegrator(cfg Config, tsdfIntegrator *tsdf.Integrator, labelLayer *grid.Layer,
	counter *voxfuse.LabelCounter) (*Integrator, error) {

	if tsdfIntegrator == nil {
		return nil, errors.New("fusion integrator requires a non-nil tsdf integrator")
	}
	if labelLayer == nil {
		return nil, errors.New("fusion integrator requires a non-nil label layer")
	}
	if counter == nil {
		return nil, errors.New("fusion integrator requires a non-nil label counter")
	}
	tl := tsdfIntegrator.Layer()
	if tl.VoxelSize() != labelLayer.VoxelSize() || tl.VoxelsPerSide() != labelLayer.VoxelsPerSide() {
		return nil, fmt.Errorf("layer geometry mismatch: tsdf %f/%d vs label %f/%d",
			tl.VoxelSize(), tl.VoxelsPerSide(), labelLayer.VoxelSize(), labelLayer.VoxelsPerSide())
	}
	return &Integrator{
		cfg:         cfg,
		tsdf:        tsdfIntegrator,
		layer:       labelLayer,
		counter:     counter,
		locks:       voxfuse.NewStripedLocks(voxfuse.DefaultStripeBits),
		tempBlocks:  make(map[voxfuse.ChunkPoint3d]*grid.Block),
		pairwise:    make(map[voxfuse.Label]map[voxfuse.Label]int),
		labelCounts: make(map[voxfuse.Label]int),
	}, nil
}

// Config returns the label-fusion settings.
func (t *Integrator) Config() Config { return t.cfg }

// LabelLayer returns the label layer being fused into.
func (t *Integrator) LabelLayer() *grid.Layer { return t.layer }

// FreshLabel returns a previously unused label.
func (t *Integrator) FreshLabel() (voxfuse.Label, error) {
	return t.counter.Fresh()
}

// IntegratePointCloud fuses one labeled cloud captured at pose tGC into the
// volume: a surface pass over ray bundles, a clearing pass for free space,
// then a flush of scratch blocks into both live layers.
func (t *Integrator) IntegratePointCloud(tGC mat.Mat4, pointsC pc.Vec3Slice,
	colors []tsdf.Color, labels []voxfuse.Label, freespacePoints bool) error {

	if pointsC.Len() != len(colors) || pointsC.Len() != len(labels) {
		return fmt.Errorf("mismatched input lengths: %d points, %d colors, %d labels",
			pointsC.Len(), len(colors), len(labels))
	}

	timedLog := voxfuse.NewTimeLog()

	idx := tsdf.NewThreadSafeIndex(pointsC.Len())
	surfaceMap, clearMap := t.tsdf.BundleRays(tGC, pointsC, freespacePoints, idx)

	antiGrazing := t.tsdf.Config().EnableAntiGrazing
	t.integrateRays(tGC, pointsC, colors, labels, antiGrazing, false, surfaceMap, clearMap)
	t.integrateRays(tGC, pointsC, colors, labels, antiGrazing, true, surfaceMap, clearMap)

	t.tsdf.FlushScratch()
	t.flushLabelScratch()

	timedLog.Infof("Integrated %s points into %s surface and %s clearing bundles",
		humanize.Comma(int64(pointsC.Len())), humanize.Comma(int64(len(surfaceMap))),
		humanize.Comma(int64(len(clearMap))))
	return nil
}

// integrateRays runs one pass (surface or clearing) over the bundled
// voxels, partitioned across workers by a deterministic stride.
func (t *Integrator) integrateRays(tGC mat.Mat4, pointsC pc.Vec3Slice, colors []tsdf.Color,
	labels []voxfuse.Label, antiGrazing, clearing bool, surfaceMap, clearMap tsdf.VoxelMap) {

	pass := surfaceMap
	if clearing {
		pass = clearMap
	}
	keys := pass.SortedKeys()

	threads := t.tsdf.Config().IntegratorThreads
	if threads == 1 {
		t.integrateVoxels(tGC, pointsC, colors, labels, antiGrazing, clearing, pass, keys, surfaceMap, 0, 1)
		return
	}
	var wg sync.WaitGroup
	for w := 0; w < threads; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			t.integrateVoxels(tGC, pointsC, colors, labels, antiGrazing, clearing, pass, keys, surfaceMap, worker, threads)
		}(w)
	}
	wg.Wait()
}

// integrateVoxels is one worker's share of a pass: bundle i belongs to
// worker w iff (i + w + 1) mod threads == 0.
func (t *Integrator) integrateVoxels(tGC mat.Mat4, pointsC pc.Vec3Slice, colors []tsdf.Color,
	labels []voxfuse.Label, antiGrazing, clearing bool, pass tsdf.VoxelMap,
	keys []voxfuse.Point3d, surfaceMap tsdf.VoxelMap, worker, threads int) {

	for i, key := range keys {
		if (i+worker+1)%threads == 0 {
			t.integrateVoxel(tGC, pointsC, colors, labels, antiGrazing, clearing, key, pass[key], surfaceMap)
		}
	}
}

// integrateVoxel condenses one bundle into a representative point and casts
// its ray, updating the distance and label voxels it pierces.
func (t *Integrator) integrateVoxel(tGC mat.Mat4, pointsC pc.Vec3Slice, colors []tsdf.Color,
	labels []voxfuse.Label, antiGrazing, clearing bool, key voxfuse.Point3d,
	bundle []int, surfaceMap tsdf.VoxelMap) {

	if len(bundle) == 0 {
		return
	}

	origin := tGC.TransformAffine(mat.Vec3{})
	var mergedPointC mat.Vec3
	var mergedColor tsdf.Color
	var mergedWeight float32
	var mergedLabel voxfuse.Label

	for _, ptIdx := range bundle {
		pointC := pointsC.Vec3At(ptIdx)
		pointWeight := t.tsdf.VoxelWeight(pointC)
		if mergedWeight+pointWeight > 0 {
			mergedPointC = mergedPointC.Mul(mergedWeight).
				Add(pointC.Mul(pointWeight)).
				Mul(1.0 / (mergedWeight + pointWeight))
			mergedColor = tsdf.BlendColors(mergedColor, mergedWeight, colors[ptIdx], pointWeight)
		}
		mergedWeight += pointWeight
		// All points of one segment carry the same label, so inside a
		// single-segment bundle this choice is unambiguous. Bundles mixing
		// segments resolve to the last point's label.
		mergedLabel = labels[ptIdx]

		// Clearing rays use only the first point of the bundle.
		if clearing {
			break
		}
	}

	mergedPointG := tGC.TransformAffine(mergedPointC)
	cfg := t.tsdf.Config()
	rayCaster := tsdf.NewRayCaster(origin, mergedPointG, clearing,
		cfg.VoxelCarvingEnabled, cfg.MaxRayLengthM,
		t.layer.VoxelSizeInv(), cfg.DefaultTruncationDistance)

	var tsdfCursor tsdf.BlockCursor
	var labelCursor labelBlockCursor
	for {
		globalIdx, ok := rayCaster.NextRayIndex()
		if !ok {
			break
		}
		if antiGrazing {
			// Skip voxels owned by another surface bundle; the bundle's own
			// key is always integrated.
			if clearing || !globalIdx.Equals(key) {
				if _, covered := surfaceMap[globalIdx]; covered {
					continue
				}
			}
		}

		tsdfVoxel := t.tsdf.AllocateStorageAndGetVoxel(globalIdx, &tsdfCursor)
		t.tsdf.UpdateTsdfVoxel(origin, mergedPointG, globalIdx, mergedColor, mergedWeight, tsdfVoxel)

		labelVoxel := t.allocateStorageAndGetLabelVoxel(globalIdx, &labelCursor)
		t.updateLabelVoxel(globalIdx, mergedLabel, 1, labelVoxel)
	}
}

// allocateStorageAndGetLabelVoxel returns a pointer to the label voxel at
// globalIdx, falling back to the scratch map when its block is unallocated.
// Thread safe; mirrors the TSDF allocator.
func (t *Integrator) allocateStorageAndGetLabelVoxel(globalIdx voxfuse.Point3d,
	cursor *labelBlockCursor) *grid.LabelVoxel {

	vps := t.layer.VoxelsPerSide()
	blockIdx := globalIdx.Chunk(vps)

	if cursor.block == nil || cursor.idx != blockIdx {
		cursor.block = t.layer.BlockByIndex(blockIdx)
		cursor.idx = blockIdx
	}
	if cursor.block == nil {
		// Only one goroutine at a time may grow the scratch map.
		t.tempMu.Lock()
		b, found := t.tempBlocks[blockIdx]
		if !found {
			b = grid.NewBlock(vps, t.layer.OriginFromBlockIndex(blockIdx))
			t.tempBlocks[blockIdx] = b
		}
		t.tempMu.Unlock()
		cursor.block = b
	}
	cursor.block.SetUpdated(true)
	return cursor.block.Voxel(globalIdx.PointInChunk(vps))
}

// updateLabelVoxel applies one labeled observation to a voxel under its
// stripe lock. Matching evidence accumulates (optionally capped);
// disagreeing evidence erodes the sitting label until it depletes, at which
// point the next disagreeing sample seats its own label.
func (t *Integrator) updateLabelVoxel(globalIdx voxfuse.Point3d, label voxfuse.Label,
	confidence voxfuse.LabelConfidence, voxel *grid.LabelVoxel) {

	t.locks.Lock(globalIdx)
	defer t.locks.Unlock(globalIdx)

	switch {
	case voxel.Label == label:
		if voxel.Confidence > voxfuse.MaxLabelConfidence-confidence {
			voxel.Confidence = voxfuse.MaxLabelConfidence
		} else {
			voxel.Confidence += confidence
		}
		if t.cfg.CapConfidence && voxel.Confidence > voxfuse.LabelConfidence(t.cfg.ConfidenceCapValue) {
			voxel.Confidence = voxfuse.LabelConfidence(t.cfg.ConfidenceCapValue)
		}
	case voxel.Confidence == 0:
		voxel.Label = label
		voxel.Confidence = confidence
		t.counter.Observe(label)
	case voxel.Confidence < confidence:
		voxel.Confidence = 0
	default:
		voxel.Confidence -= confidence
	}
}

// flushLabelScratch moves scratch label blocks into the live layer and
// clears the scratch map. Must not run concurrently with workers or with
// another flush.
func (t *Integrator) flushLabelScratch() {
	for idx, b := range t.tempBlocks {
		t.layer.InsertBlock(idx, b)
	}
	t.tempBlocks = make(map[voxfuse.ChunkPoint3d]*grid.Block)
}

// NumScratchBlocks returns the number of label blocks waiting to be flushed.
func (t *Integrator) NumScratchBlocks() int {
	t.tempMu.Lock()
	n := len(t.tempBlocks)
	t.tempMu.Unlock()
	return n
}
