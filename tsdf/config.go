package tsdf

import "runtime"

// Config holds the distance-integration settings shared by the surface and
// clearing passes.
type Config struct {
	// VoxelCarvingEnabled casts rays from the sensor origin so free space
	// along the ray is updated, not just the truncation band.
	VoxelCarvingEnabled bool `toml:"voxel_carving_enabled"`

	// EnableAntiGrazing skips updates to voxels already owned by another
	// surface bundle, suppressing glancing-incidence writes.
	EnableAntiGrazing bool `toml:"enable_anti_grazing"`

	// UseWeightDropoff tapers update weight behind the surface crossing.
	UseWeightDropoff bool `toml:"use_weight_dropoff"`

	// AllowClear turns points beyond the maximum ray length into clearing
	// rays instead of discarding them.
	AllowClear bool `toml:"allow_clear"`

	MinRayLengthM             float32 `toml:"min_ray_length_m"`
	MaxRayLengthM             float32 `toml:"max_ray_length_m"`
	DefaultTruncationDistance float32 `toml:"truncation_distance"`
	MaxWeight                 float32 `toml:"max_weight"`

	// IntegratorThreads is the number of parallel workers per pass. Must be
	// at least 1.
	IntegratorThreads int `toml:"integrator_threads"`
}

// DefaultConfig returns the settings used when no configuration file
// overrides them.
func DefaultConfig() Config {
	return Config{
		VoxelCarvingEnabled:       true,
		EnableAntiGrazing:         false,
		UseWeightDropoff:          true,
		AllowClear:                true,
		MinRayLengthM:             0.1,
		MaxRayLengthM:             5.0,
		DefaultTruncationDistance: 0.1,
		MaxWeight:                 10000.0,
		IntegratorThreads:         runtime.NumCPU(),
	}
}
