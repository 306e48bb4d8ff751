package fusion

import (
	"fmt"
	"sort"

	"github.com/janelia-flyem/voxfuse/voxfuse"
)

// checkForSegmentLabelMergeCandidate marks a label as a merge candidate for
// a segment once it overlaps more than the configured fraction of the
// segment's points.
func (t *Integrator) checkForSegmentLabelMergeCandidate(label voxfuse.Label,
	labelPoints, segmentPoints int, mergeCandidates map[voxfuse.Label]struct{}) {

	overlapRatio := float32(labelPoints) / float32(segmentPoints)
	if overlapRatio > t.cfg.PairwiseConfidenceRatioThreshold {
		mergeCandidates[label] = struct{}{}
	}
}

// increaseLabelCountForSegment counts one more of the segment's points
// landing on an existing label.
func (t *Integrator) increaseLabelCountForSegment(segment *Segment, label voxfuse.Label,
	segmentPoints int, candidates LabelCandidates, mergeCandidates map[voxfuse.Label]struct{}) {

	perSegment, found := candidates[label]
	if !found {
		perSegment = make(map[*Segment]int)
		candidates[label] = perSegment
	}
	perSegment[segment]++

	if t.cfg.EnablePairwiseConfidenceMerging {
		t.checkForSegmentLabelMergeCandidate(label, perSegment[segment], segmentPoints, mergeCandidates)
	}
}

// increasePairwiseConfidenceCount bumps the co-occurrence count for every
// unordered pair of merge candidates. Pairs are keyed (smaller, larger);
// self-pairs are excluded.
func (t *Integrator) increasePairwiseConfidenceCount(mergeCandidates []voxfuse.Label) {
	for i := 0; i < len(mergeCandidates); i++ {
		for j := i + 1; j < len(mergeCandidates); j++ {
			label1, label2 := mergeCandidates[i], mergeCandidates[j]
			if label1 == label2 {
				continue
			}
			if label1 > label2 {
				label1, label2 = label2, label1
			}
			pairs, found := t.pairwise[label1]
			if !found {
				pairs = make(map[voxfuse.Label]int)
				t.pairwise[label1] = pairs
			}
			pairs[label2]++
		}
	}
}

// ComputeSegmentLabelCandidates projects a segment's points into the label
// layer and tallies, per existing label, how many of them landed on it.
// Points in unallocated blocks or on never-observed voxels are skipped. A
// segment that touched no labeled voxel gets a fresh label charged with its
// full point count, guaranteeing it wins against itself in assignment.
func (t *Integrator) ComputeSegmentLabelCandidates(segment *Segment, candidates LabelCandidates) error {
	if segment == nil {
		return fmt.Errorf("nil segment")
	}
	segmentPoints := segment.PointsC.Len()
	mergeCandidates := make(map[voxfuse.Label]struct{})
	candidateExists := false

	for i := 0; i < segmentPoints; i++ {
		pointG := segment.TGC.TransformAffine(segment.PointsC.Vec3At(i))
		voxel, ok := t.layer.VoxelByCoords(pointG)
		if !ok || voxel.Label == 0 {
			continue
		}
		candidateExists = true
		t.increaseLabelCountForSegment(segment, voxel.Label, segmentPoints, candidates, mergeCandidates)
	}

	if t.cfg.EnablePairwiseConfidenceMerging {
		merge := make([]voxfuse.Label, 0, len(mergeCandidates))
		for label := range mergeCandidates {
			merge = append(merge, label)
		}
		sort.Slice(merge, func(i, j int) bool { return merge[i] < merge[j] })
		t.increasePairwiseConfidenceCount(merge)
	}

	// A previously unobserved segment claims a fresh label outright.
	if !candidateExists {
		fresh, err := t.counter.Fresh()
		if err != nil {
			return err
		}
		candidates[fresh] = map[*Segment]int{segment: segmentPoints}
	}
	return nil
}

// nextSegmentLabelPair finds the unassigned segment with the highest point
// count under any remaining label. Ties break to the lowest label, then to
// the earliest segment in batch order, so assignment is deterministic.
func nextSegmentLabelPair(segments []*Segment, candidates LabelCandidates,
	assigned map[*Segment]bool) (*Segment, voxfuse.Label, bool) {

	labels := make([]voxfuse.Label, 0, len(candidates))
	for label := range candidates {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

	var maxSegment *Segment
	var maxLabel voxfuse.Label
	maxCount := 0
	for _, label := range labels {
		perSegment := candidates[label]
		for _, segment := range segments {
			if assigned[segment] {
				continue
			}
			if count := perSegment[segment]; count > maxCount {
				maxSegment = segment
				maxLabel = label
				maxCount = count
			}
		}
	}
	if maxCount == 0 {
		return nil, 0, false
	}
	return maxSegment, maxLabel, true
}

// DecideLabelPointClouds assigns one label to every segment of a batch:
// greedy selection by peak overlap first, fresh labels for whatever
// remains. Each label wins at most one segment per batch.
func (t *Integrator) DecideLabelPointClouds(segments []*Segment, candidates LabelCandidates) error {
	assigned := make(map[*Segment]bool, len(segments))

	for {
		segment, label, found := nextSegmentLabelPair(segments, candidates, assigned)
		if !found {
			break
		}
		applyLabel(segment, label)
		assigned[segment] = true
		delete(candidates, label)
	}

	// Segments that won nothing get an unseen label.
	for _, segment := range segments {
		if assigned[segment] {
			continue
		}
		fresh, err := t.counter.Fresh()
		if err != nil {
			return err
		}
		applyLabel(segment, fresh)
		assigned[segment] = true
	}
	return nil
}

func applyLabel(segment *Segment, label voxfuse.Label) {
	n := segment.PointsC.Len()
	if cap(segment.Labels) < n {
		segment.Labels = make([]voxfuse.Label, n)
	}
	segment.Labels = segment.Labels[:n]
	for i := range segment.Labels {
		segment.Labels[i] = label
	}
}
