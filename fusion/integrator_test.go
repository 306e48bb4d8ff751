package fusion

import (
	"testing"

	"github.com/seqsense/pcgol/mat"

	"github.com/janelia-flyem/voxfuse/grid"
	"github.com/janelia-flyem/voxfuse/tsdf"
	"github.com/janelia-flyem/voxfuse/voxfuse"
)

// newTestIntegrator builds a fusion integrator over fresh 0.1m/8vps layers.
func newTestIntegrator(t *testing.T, cfg Config, threads int) *Integrator {
	t.Helper()
	tsdfLayer, err := tsdf.NewLayer(0.1, 8)
	if err != nil {
		t.Fatalf("unexpected error creating tsdf layer: %v\n", err)
	}
	tsdfCfg := tsdf.DefaultConfig()
	tsdfCfg.IntegratorThreads = threads
	ti, err := tsdf.NewIntegrator(tsdfCfg, tsdfLayer)
	if err != nil {
		t.Fatalf("unexpected error creating tsdf integrator: %v\n", err)
	}
	labelLayer, err := grid.NewLayer(0.1, 8)
	if err != nil {
		t.Fatalf("unexpected error creating label layer: %v\n", err)
	}
	var counter voxfuse.LabelCounter
	integrator, err := NewIntegrator(cfg, ti, labelLayer, &counter)
	if err != nil {
		t.Fatalf("unexpected error creating fusion integrator: %v\n", err)
	}
	return integrator
}

func makeSegment(points ...mat.Vec3) *Segment {
	s := &Segment{TGC: mat.Translate(0, 0, 0)}
	for _, p := range points {
		s.PointsC = append(s.PointsC, p)
	}
	s.Colors = make([]tsdf.Color, len(points))
	return s
}

// assignAndIntegrate runs the full per-batch flow for a set of segments.
func assignAndIntegrate(t *testing.T, integrator *Integrator, segments ...*Segment) {
	t.Helper()
	candidates := make(LabelCandidates)
	for _, s := range segments {
		if err := integrator.ComputeSegmentLabelCandidates(s, candidates); err != nil {
			t.Fatalf("unexpected error computing candidates: %v\n", err)
		}
	}
	if err := integrator.DecideLabelPointClouds(segments, candidates); err != nil {
		t.Fatalf("unexpected error deciding labels: %v\n", err)
	}
	for _, s := range segments {
		if err := integrator.IntegratePointCloud(s.TGC, s.PointsC, s.Colors, s.Labels, false); err != nil {
			t.Fatalf("unexpected error integrating: %v\n", err)
		}
	}
}

func labelVoxelAt(integrator *Integrator, p mat.Vec3) (grid.LabelVoxel, bool) {
	return integrator.LabelLayer().VoxelByCoords(p)
}

func TestNewIntegratorPreconditions(t *testing.T) {
	tsdfLayer, _ := tsdf.NewLayer(0.1, 8)
	ti, _ := tsdf.NewIntegrator(tsdf.DefaultConfig(), tsdfLayer)
	labelLayer, _ := grid.NewLayer(0.1, 8)
	var counter voxfuse.LabelCounter

	if _, err := NewIntegrator(DefaultConfig(), nil, labelLayer, &counter); err == nil {
		t.Errorf("expected error for nil tsdf integrator\n")
	}
	if _, err := NewIntegrator(DefaultConfig(), ti, nil, &counter); err == nil {
		t.Errorf("expected error for nil label layer\n")
	}
	if _, err := NewIntegrator(DefaultConfig(), ti, labelLayer, nil); err == nil {
		t.Errorf("expected error for nil counter\n")
	}
	mismatched, _ := grid.NewLayer(0.2, 8)
	if _, err := NewIntegrator(DefaultConfig(), ti, mismatched, &counter); err == nil {
		t.Errorf("expected error for mismatched layer geometry\n")
	}
}

func TestIntegratePointCloudLengthMismatch(t *testing.T) {
	integrator := newTestIntegrator(t, DefaultConfig(), 1)
	s := makeSegment(mat.Vec3{1, 0, 0})
	err := integrator.IntegratePointCloud(s.TGC, s.PointsC, s.Colors, nil, false)
	if err == nil {
		t.Errorf("expected error for mismatched labels length\n")
	}
}

// S1: a single segment over an empty volume gets the first fresh label,
// and every voxel under its points carries it with confidence 1.
func TestFreshVolumeSingleSegment(t *testing.T) {
	integrator := newTestIntegrator(t, DefaultConfig(), 1)
	points := []mat.Vec3{
		{1.05, 0.05, 0.05},
		{0.05, 1.05, 0.05},
		{0.05, 0.05, 1.05},
		{1.05, 1.05, 0.05},
	}
	s := makeSegment(points...)
	assignAndIntegrate(t, integrator, s)

	for i, label := range s.Labels {
		if label != 1 {
			t.Errorf("point %d: expected label 1, got %d\n", i, label)
		}
	}
	for _, p := range points {
		voxel, ok := labelVoxelAt(integrator, p)
		if !ok {
			t.Fatalf("no block allocated under point %v\n", p)
		}
		if voxel.Label != 1 {
			t.Errorf("voxel under %v: expected label 1, got %d\n", p, voxel.Label)
		}
		if voxel.Confidence != 1 {
			t.Errorf("voxel under %v: expected confidence 1, got %d\n", p, voxel.Confidence)
		}
	}

	// Label monotonicity: nothing in the grid exceeds the counter.
	for _, label := range integrator.LabelsList() {
		if label > integrator.counter.Highest() {
			t.Errorf("label %d exceeds highest dispensed %d\n", label, integrator.counter.Highest())
		}
	}
}

// S2: re-integrating the identical segment reinforces confidence.
func TestMatchingReinforcement(t *testing.T) {
	integrator := newTestIntegrator(t, DefaultConfig(), 1)
	points := []mat.Vec3{{1.05, 0.05, 0.05}, {0.05, 1.05, 0.05}}
	s := makeSegment(points...)
	assignAndIntegrate(t, integrator, s)
	assignAndIntegrate(t, integrator, makeSegment(points...))

	for _, p := range points {
		voxel, ok := labelVoxelAt(integrator, p)
		if !ok {
			t.Fatalf("no block under %v\n", p)
		}
		if voxel.Label != 1 {
			t.Errorf("expected label 1 to persist, got %d\n", voxel.Label)
		}
		if voxel.Confidence != 2 {
			t.Errorf("expected confidence 2 after reinforcement, got %d\n", voxel.Confidence)
		}
	}
}

// S2 with capping: confidence saturates at the cap.
func TestMatchingReinforcementCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapConfidence = true
	cfg.ConfidenceCapValue = 1
	integrator := newTestIntegrator(t, cfg, 1)
	points := []mat.Vec3{{1.05, 0.05, 0.05}}
	assignAndIntegrate(t, integrator, makeSegment(points...))
	assignAndIntegrate(t, integrator, makeSegment(points...))

	voxel, ok := labelVoxelAt(integrator, points[0])
	if !ok {
		t.Fatalf("no block under %v\n", points[0])
	}
	if voxel.Confidence != 1 {
		t.Errorf("expected confidence capped at 1, got %d\n", voxel.Confidence)
	}
}

// S3: a competing label erodes the sitting one, then seats itself.
func TestCompetingLabelTakeover(t *testing.T) {
	integrator := newTestIntegrator(t, DefaultConfig(), 1)
	points := []mat.Vec3{{1.05, 0.05, 0.05}}
	s := makeSegment(points...)
	assignAndIntegrate(t, integrator, s)

	l2, err := integrator.FreshLabel()
	if err != nil {
		t.Fatalf("unexpected error minting label: %v\n", err)
	}
	rival := makeSegment(points...)
	rival.Labels = []voxfuse.Label{l2}

	// First exposure: confidence 1 -> 0, label stays.
	if err := integrator.IntegratePointCloud(rival.TGC, rival.PointsC, rival.Colors, rival.Labels, false); err != nil {
		t.Fatalf("unexpected error integrating rival: %v\n", err)
	}
	voxel, _ := labelVoxelAt(integrator, points[0])
	if voxel.Label != 1 || voxel.Confidence != 0 {
		t.Errorf("after first rival pass: expected label 1 confidence 0, got %d %d\n",
			voxel.Label, voxel.Confidence)
	}

	// Second exposure: depleted voxel seats the rival label.
	if err := integrator.IntegratePointCloud(rival.TGC, rival.PointsC, rival.Colors, rival.Labels, false); err != nil {
		t.Fatalf("unexpected error integrating rival: %v\n", err)
	}
	voxel, _ = labelVoxelAt(integrator, points[0])
	if voxel.Label != l2 || voxel.Confidence != 1 {
		t.Errorf("after second rival pass: expected label %d confidence 1, got %d %d\n",
			l2, voxel.Label, voxel.Confidence)
	}
}

// S4: two segments compete for a previously fused label; exactly one wins
// it and the others get fresh labels.
func TestSegmentLabelCarryover(t *testing.T) {
	integrator := newTestIntegrator(t, DefaultConfig(), 1)
	region := []mat.Vec3{
		{1.05, 0.05, 0.05}, {1.05, 0.15, 0.05}, {1.05, 0.25, 0.05}, {1.05, 0.35, 0.05},
	}
	assignAndIntegrate(t, integrator, makeSegment(region...)) // seats label 1

	big := makeSegment(region[0], region[1], region[2])       // 3 points on label 1
	small := makeSegment(region[3])                           // 1 point on label 1
	fresh := makeSegment(mat.Vec3{0.05, 0.05, 2.05})          // untouched region
	segments := []*Segment{big, small, fresh}

	candidates := make(LabelCandidates)
	for _, s := range segments {
		if err := integrator.ComputeSegmentLabelCandidates(s, candidates); err != nil {
			t.Fatalf("unexpected error computing candidates: %v\n", err)
		}
	}
	if err := integrator.DecideLabelPointClouds(segments, candidates); err != nil {
		t.Fatalf("unexpected error deciding labels: %v\n", err)
	}

	for _, s := range segments {
		if len(s.Labels) != s.PointsC.Len() {
			t.Fatalf("segment labels not fully populated: %d of %d\n", len(s.Labels), s.PointsC.Len())
		}
		for _, label := range s.Labels[1:] {
			if label != s.Labels[0] {
				t.Errorf("segment labels not uniform: %v\n", s.Labels)
			}
		}
	}
	if big.Labels[0] != 1 {
		t.Errorf("expected the larger overlap to win label 1, got %d\n", big.Labels[0])
	}
	if small.Labels[0] == 1 {
		t.Errorf("only one segment per batch may win a label\n")
	}
	if fresh.Labels[0] == 1 || fresh.Labels[0] == small.Labels[0] {
		t.Errorf("fresh-region segment must get its own label, got %d\n", fresh.Labels[0])
	}
}

// S6: anti-grazing suppresses a ray's pass-through update of another
// bundle's key voxel but never its own terminal update.
func TestAntiGrazing(t *testing.T) {
	run := func(antiGrazing bool) (near, far grid.LabelVoxel) {
		tsdfCfg := tsdf.DefaultConfig()
		tsdfCfg.IntegratorThreads = 1
		tsdfCfg.EnableAntiGrazing = antiGrazing
		tsdfLayer, _ := tsdf.NewLayer(0.1, 8)
		ti, _ := tsdf.NewIntegrator(tsdfCfg, tsdfLayer)
		labelLayer, _ := grid.NewLayer(0.1, 8)
		var counter voxfuse.LabelCounter
		integrator, err := NewIntegrator(DefaultConfig(), ti, labelLayer, &counter)
		if err != nil {
			t.Fatalf("unexpected error creating integrator: %v\n", err)
		}

		// Both points share one ray direction; the far point's ray pierces
		// the near point's terminal voxel.
		nearPoint := mat.Vec3{1.05, 0.05, 0.05}
		farPoint := mat.Vec3{2.05, 0.05, 0.05}
		s := makeSegment(nearPoint, farPoint)
		assignAndIntegrate(t, integrator, s)

		nearVoxel, ok := labelVoxelAt(integrator, nearPoint)
		if !ok {
			t.Fatalf("no block under near point\n")
		}
		farVoxel, ok := labelVoxelAt(integrator, farPoint)
		if !ok {
			t.Fatalf("no block under far point\n")
		}
		return nearVoxel, farVoxel
	}

	near, far := run(true)
	nearOff, _ := run(false)
	if near.Confidence != 1 {
		t.Errorf("anti-grazing: expected key voxel updated only by its own bundle, confidence %d\n",
			near.Confidence)
	}
	if far.Confidence != 1 {
		t.Errorf("anti-grazing: a ray must still update its own terminal key, confidence %d\n",
			far.Confidence)
	}
	if nearOff.Confidence != 2 {
		t.Errorf("without anti-grazing: expected pass-through update too, confidence %d\n",
			nearOff.Confidence)
	}
}

// Determinism: identical inputs and one worker produce identical volumes.
func TestSingleThreadDeterminism(t *testing.T) {
	build := func() *Integrator {
		integrator := newTestIntegrator(t, DefaultConfig(), 1)
		points := []mat.Vec3{
			{1.05, 0.05, 0.05}, {0.05, 1.05, 0.05}, {1.05, 1.05, 0.05},
			{0.45, 0.85, 1.25}, {-0.75, 0.35, 0.95},
		}
		assignAndIntegrate(t, integrator, makeSegment(points...))
		assignAndIntegrate(t, integrator, makeSegment(points[:3]...), makeSegment(points[3:]...))
		return integrator
	}
	a := build()
	b := build()

	aIndices := a.LabelLayer().AllBlockIndices()
	bIndices := b.LabelLayer().AllBlockIndices()
	if len(aIndices) != len(bIndices) {
		t.Fatalf("block counts differ: %d vs %d\n", len(aIndices), len(bIndices))
	}
	for i, idx := range aIndices {
		if idx != bIndices[i] {
			t.Fatalf("block indices differ at %d: %s vs %s\n", i, idx, bIndices[i])
		}
		blockA := a.LabelLayer().BlockByIndex(idx)
		blockB := b.LabelLayer().BlockByIndex(idx)
		for v := 0; v < blockA.NumVoxels(); v++ {
			va, vb := blockA.VoxelByLinearIndex(v), blockB.VoxelByLinearIndex(v)
			if *va != *vb {
				t.Fatalf("voxel %d of block %s differs: %v vs %v\n", v, idx, *va, *vb)
			}
		}
	}
}

// Multi-worker integration must terminate and produce a consistent volume.
func TestMultiThreadedIntegration(t *testing.T) {
	integrator := newTestIntegrator(t, DefaultConfig(), 4)
	var points []mat.Vec3
	for i := 0; i < 40; i++ {
		points = append(points, mat.Vec3{
			1.05 + float32(i%5)*0.1,
			0.05 + float32(i/5)*0.1,
			1.05,
		})
	}
	assignAndIntegrate(t, integrator, makeSegment(points...))

	for _, p := range points {
		voxel, ok := labelVoxelAt(integrator, p)
		if !ok {
			t.Fatalf("no block under %v\n", p)
		}
		if voxel.Label != 1 {
			t.Errorf("voxel under %v: expected label 1, got %d\n", p, voxel.Label)
		}
		if voxel.Confidence == 0 {
			t.Errorf("voxel under %v: expected positive confidence\n", p)
		}
	}
	if integrator.NumScratchBlocks() != 0 {
		t.Errorf("scratch blocks left after flush: %d\n", integrator.NumScratchBlocks())
	}
}

func TestUpdateLabelVoxelRule(t *testing.T) {
	integrator := newTestIntegrator(t, DefaultConfig(), 1)
	idx := voxfuse.Point3d{1, 2, 3}
	var voxel grid.LabelVoxel

	// Zero-confidence takeover on a never-written voxel.
	integrator.updateLabelVoxel(idx, 5, 2, &voxel)
	if voxel.Label != 5 || voxel.Confidence != 2 {
		t.Errorf("expected takeover to (5,2), got (%d,%d)\n", voxel.Label, voxel.Confidence)
	}
	if integrator.counter.Highest() < 5 {
		t.Errorf("seating a label must raise the counter, got %d\n", integrator.counter.Highest())
	}

	// Matching updates accumulate.
	integrator.updateLabelVoxel(idx, 5, 3, &voxel)
	if voxel.Confidence != 5 {
		t.Errorf("expected confidence 5, got %d\n", voxel.Confidence)
	}

	// Disagreement erodes without flipping.
	integrator.updateLabelVoxel(idx, 9, 4, &voxel)
	if voxel.Label != 5 || voxel.Confidence != 1 {
		t.Errorf("expected erosion to (5,1), got (%d,%d)\n", voxel.Label, voxel.Confidence)
	}

	// Erosion saturates at zero, never wraps.
	integrator.updateLabelVoxel(idx, 9, 7, &voxel)
	if voxel.Label != 5 || voxel.Confidence != 0 {
		t.Errorf("expected saturation to (5,0), got (%d,%d)\n", voxel.Label, voxel.Confidence)
	}

	// Depleted voxel seats the next disagreeing label.
	integrator.updateLabelVoxel(idx, 9, 1, &voxel)
	if voxel.Label != 9 || voxel.Confidence != 1 {
		t.Errorf("expected takeover to (9,1), got (%d,%d)\n", voxel.Label, voxel.Confidence)
	}
}
