/*
Package voxfuse provides the base types used throughout the labeled TSDF
fusion system: object labels and their process-wide counter, integer voxel
and block indexing with conversions between world space and grid space,
striped mutexes for voxel-level serialization, leveled logging, and TOML
configuration support.

Higher-level packages build on these primitives: grid holds the sparse
label-voxel layer, tsdf the distance-field integrator, and fusion the
label-aware point cloud integrator.
*/
package voxfuse
