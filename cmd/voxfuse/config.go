package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/voxfuse/fusion"
	"github.com/janelia-flyem/voxfuse/tsdf"
	"github.com/janelia-flyem/voxfuse/voxfuse"
)

// tomlConfig is the parsed TOML configuration for a voxfuse run.
type tomlConfig struct {
	Logging voxfuse.LogConfig
	Tsdf    tsdf.Config
	Fusion  fusion.Config
	Volume  volumeConfig
}

type volumeConfig struct {
	VoxelSize     float32 `toml:"voxel_size"`
	VoxelsPerSide int32   `toml:"voxels_per_side"`
}

// loadConfig returns defaults overlaid with the given TOML file, if any.
func loadConfig(filename string) (*tomlConfig, error) {
	tc := &tomlConfig{
		Tsdf:   tsdf.DefaultConfig(),
		Fusion: fusion.DefaultConfig(),
		Volume: volumeConfig{
			VoxelSize:     0.05,
			VoxelsPerSide: 16,
		},
	}
	if filename == "" {
		return tc, nil
	}
	if _, err := toml.DecodeFile(filename, tc); err != nil {
		return nil, fmt.Errorf("could not decode TOML config %q: %v", filename, err)
	}
	return tc, nil
}
