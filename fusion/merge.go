package fusion

import (
	"sort"

	"github.com/janelia-flyem/voxfuse/voxfuse"
)

// SwapLabels rewrites every voxel bearing oldLabel to newLabel across all
// allocated label blocks, marking touched blocks dirty. Confidence is left
// unchanged. Must not run concurrently with integration workers.
func (t *Integrator) SwapLabels(oldLabel, newLabel voxfuse.Label) {
	swapped := 0
	for _, blockIdx := range t.layer.AllBlockIndices() {
		block := t.layer.BlockByIndex(blockIdx)
		if block == nil {
			continue
		}
		for i := 0; i < block.NumVoxels(); i++ {
			voxel := block.VoxelByLinearIndex(i)
			if voxel.Label == oldLabel {
				voxel.Label = newLabel
				block.SetUpdated(true)
				swapped++
			}
		}
	}
	if swapped > 0 {
		t.labelCounts[newLabel] += swapped
		delete(t.labelCounts, oldLabel)
	}
}

// MergeLabels applies every pending merge whose co-occurrence count has
// crossed the configured threshold, rewriting the smaller label into the
// larger and dropping the consumed entry. Merges may chain within one
// invocation. Must not run concurrently with integration workers.
func (t *Integrator) MergeLabels() {
	if !t.cfg.EnablePairwiseConfidenceMerging {
		return
	}
	// Iterate over key snapshots so entries can be erased mid-loop.
	firsts := make([]voxfuse.Label, 0, len(t.pairwise))
	for label1 := range t.pairwise {
		firsts = append(firsts, label1)
	}
	sort.Slice(firsts, func(i, j int) bool { return firsts[i] < firsts[j] })

	for _, label1 := range firsts {
		pairs := t.pairwise[label1]
		seconds := make([]voxfuse.Label, 0, len(pairs))
		for label2 := range pairs {
			seconds = append(seconds, label2)
		}
		sort.Slice(seconds, func(i, j int) bool { return seconds[i] < seconds[j] })

		for _, label2 := range seconds {
			if pairs[label2] > t.cfg.PairwiseConfidenceThreshold {
				t.SwapLabels(label1, label2)
				voxfuse.Infof("Merged label %d into label %d\n", label1, label2)
				delete(pairs, label2)
			}
		}
		if len(pairs) == 0 {
			delete(t.pairwise, label1)
		}
	}
}

// PairwiseConfidence returns the co-occurrence count recorded for a label
// pair, in either argument order.
func (t *Integrator) PairwiseConfidence(label1, label2 voxfuse.Label) int {
	if label1 > label2 {
		label1, label2 = label2, label1
	}
	return t.pairwise[label1][label2]
}

// refreshLabelCounts rebuilds the per-label voxel counts with a full scan
// of the label layer.
func (t *Integrator) refreshLabelCounts() {
	counts := make(map[voxfuse.Label]int)
	for _, blockIdx := range t.layer.AllBlockIndices() {
		block := t.layer.BlockByIndex(blockIdx)
		if block == nil {
			continue
		}
		for i := 0; i < block.NumVoxels(); i++ {
			if label := block.VoxelByLinearIndex(i).Label; label != 0 {
				counts[label]++
			}
		}
	}
	t.labelCounts = counts
}

// LabelsList returns all labels with a positive voxel count, ascending.
// The counts are refreshed with a full scan, so the list reflects the
// volume as of the call. Must not run concurrently with integration
// workers.
func (t *Integrator) LabelsList() []voxfuse.Label {
	t.refreshLabelCounts()
	labels := make([]voxfuse.Label, 0, len(t.labelCounts))
	for label, count := range t.labelCounts {
		if count > 0 {
			labels = append(labels, label)
		}
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}
