/*
Package fusion implements the label-aware point cloud integrator: it decides
which label each incoming segment carries by reconciling it against labels
already fused into the volume, ray-casts the labeled points into both the
distance and label layers under a pool of workers, and tracks co-occurrence
evidence for merging labels that describe the same object.
*/
package fusion

import (
	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"

	"github.com/janelia-flyem/voxfuse/tsdf"
	"github.com/janelia-flyem/voxfuse/voxfuse"
)

// Segment is one ingestion unit: a labeled sub-cloud captured from a known
// sensor pose. Labels is empty until DecideLabelPointClouds fills it, after
// which every entry is the same label.
type Segment struct {
	PointsC pc.Vec3Slice
	TGC     mat.Mat4
	Colors  []tsdf.Color
	Labels  []voxfuse.Label
}

// LabelCandidates maps a label to the segments whose points landed on it,
// with the number of points that did. Built per batch by
// ComputeSegmentLabelCandidates and consumed by DecideLabelPointClouds.
type LabelCandidates map[voxfuse.Label]map[*Segment]int
