package tsdf

import (
	"testing"

	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"

	"github.com/janelia-flyem/voxfuse/voxfuse"
)

func testIntegrator(t *testing.T) *Integrator {
	t.Helper()
	layer, err := NewLayer(0.1, 8)
	if err != nil {
		t.Fatalf("unexpected error creating layer: %v\n", err)
	}
	cfg := DefaultConfig()
	cfg.IntegratorThreads = 1
	ti, err := NewIntegrator(cfg, layer)
	if err != nil {
		t.Fatalf("unexpected error creating integrator: %v\n", err)
	}
	return ti
}

func TestNewIntegratorPreconditions(t *testing.T) {
	if _, err := NewIntegrator(DefaultConfig(), nil); err == nil {
		t.Errorf("expected error for nil layer\n")
	}
	layer, _ := NewLayer(0.1, 8)
	cfg := DefaultConfig()
	cfg.IntegratorThreads = 0
	if _, err := NewIntegrator(cfg, layer); err == nil {
		t.Errorf("expected error for zero worker count\n")
	}
}

func TestAllocateStorageScratchFallback(t *testing.T) {
	ti := testIntegrator(t)
	var cursor BlockCursor
	idx := voxfuse.Point3d{3, 4, 5}

	voxel := ti.AllocateStorageAndGetVoxel(idx, &cursor)
	if voxel == nil {
		t.Fatalf("expected voxel from scratch allocation\n")
	}
	if ti.Layer().NumBlocks() != 0 {
		t.Errorf("scratch allocation must not touch the live layer\n")
	}
	if ti.NumScratchBlocks() != 1 {
		t.Errorf("expected 1 scratch block, got %d\n", ti.NumScratchBlocks())
	}

	// Same block: the cursor must hand back the same storage.
	voxel.Weight = 7
	again := ti.AllocateStorageAndGetVoxel(idx, &cursor)
	if again.Weight != 7 {
		t.Errorf("cursor did not return the same voxel storage\n")
	}

	ti.FlushScratch()
	if ti.NumScratchBlocks() != 0 {
		t.Errorf("expected empty scratch map after flush\n")
	}
	if ti.Layer().NumBlocks() != 1 {
		t.Errorf("expected 1 live block after flush, got %d\n", ti.Layer().NumBlocks())
	}
	if live := ti.Layer().VoxelByGlobalIndex(idx); live == nil || live.Weight != 7 {
		t.Errorf("flushed block lost voxel state\n")
	}
}

func TestUpdateTsdfVoxelConverges(t *testing.T) {
	ti := testIntegrator(t)
	origin := mat.Vec3{0.05, 0.05, 0.05}
	pointG := mat.Vec3{1.05, 0.05, 0.05}

	// A voxel right at the surface point: sdf ~ 0.
	surfaceIdx := voxfuse.VoxelIndexFromPoint(pointG, ti.Layer().VoxelSizeInv())
	var voxel TsdfVoxel
	for i := 0; i < 10; i++ {
		ti.UpdateTsdfVoxel(origin, pointG, surfaceIdx, Color{200, 0, 0}, 1.0, &voxel)
	}
	if voxel.Weight <= 0 {
		t.Fatalf("expected positive weight after updates\n")
	}
	trunc := ti.Config().DefaultTruncationDistance
	if voxel.Distance > trunc/2 || voxel.Distance < -trunc/2 {
		t.Errorf("surface voxel distance should be near zero, got %f\n", voxel.Distance)
	}
	if voxel.Color[0] != 200 {
		t.Errorf("expected pure observation color, got %v\n", voxel.Color)
	}

	// A voxel well in front of the surface: sdf clamps to +truncation.
	var freeVoxel TsdfVoxel
	freeIdx := voxfuse.Point3d{2, 0, 0}
	ti.UpdateTsdfVoxel(origin, pointG, freeIdx, Color{}, 1.0, &freeVoxel)
	if freeVoxel.Distance < trunc-1e-5 {
		t.Errorf("free-space voxel should clamp to +truncation, got %f\n", freeVoxel.Distance)
	}
}

func TestUpdateTsdfVoxelWeightCap(t *testing.T) {
	ti := testIntegrator(t)
	origin := mat.Vec3{}
	pointG := mat.Vec3{1, 0, 0}
	idx := voxfuse.VoxelIndexFromPoint(pointG, ti.Layer().VoxelSizeInv())

	var voxel TsdfVoxel
	huge := ti.Config().MaxWeight * 2
	ti.UpdateTsdfVoxel(origin, pointG, idx, Color{}, huge, &voxel)
	if voxel.Weight > ti.Config().MaxWeight {
		t.Errorf("weight exceeded cap: %f > %f\n", voxel.Weight, ti.Config().MaxWeight)
	}
}

func TestVoxelWeightFalloff(t *testing.T) {
	ti := testIntegrator(t)
	near := ti.VoxelWeight(mat.Vec3{0, 0, 1})
	far := ti.VoxelWeight(mat.Vec3{0, 0, 2})
	if near <= far {
		t.Errorf("expected weight to fall off with depth: near %f, far %f\n", near, far)
	}
	if w := ti.VoxelWeight(mat.Vec3{0.5, 0.5, 0}); w != 0 {
		t.Errorf("zero-depth point should have zero weight, got %f\n", w)
	}
}

func TestBundleRays(t *testing.T) {
	ti := testIntegrator(t)
	tGC := mat.Translate(0, 0, 0)
	points := pc.Vec3Slice{
		{1.01, 0.05, 1.0}, // surface, voxel (10,0,10)
		{1.02, 0.05, 1.0}, // same voxel, same bundle
		{0.05, 1.01, 1.0}, // surface, different voxel
		{9.0, 0.0, 9.0},   // beyond max range: clearing
		{0.001, 0.0, 0.0}, // below min range: dropped
	}
	surface, clear := ti.BundleRays(tGC, points, false, NewThreadSafeIndex(points.Len()))

	if len(surface) != 2 {
		t.Errorf("expected 2 surface bundles, got %d\n", len(surface))
	}
	if len(clear) != 1 {
		t.Errorf("expected 1 clearing bundle, got %d\n", len(clear))
	}
	bundle := surface[voxfuse.Point3d{10, 0, 10}]
	if len(bundle) != 2 {
		t.Errorf("expected 2 points bundled in shared voxel, got %d\n", len(bundle))
	}
}

func TestBundleRaysFreespace(t *testing.T) {
	ti := testIntegrator(t)
	points := pc.Vec3Slice{{1.0, 0.0, 1.0}}
	surface, clear := ti.BundleRays(mat.Translate(0, 0, 0), points, true, NewThreadSafeIndex(1))
	if len(surface) != 0 || len(clear) != 1 {
		t.Errorf("freespace points must bundle as clearing rays: %d surface, %d clear\n",
			len(surface), len(clear))
	}
}
