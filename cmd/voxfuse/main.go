// Command-line demo of the labeled TSDF fusion integrator: fuses a
// synthetic scene of labeled segments over several frames and reports the
// labels and memory of the resulting volume.

package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/seqsense/pcgol/mat"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/voxfuse/fusion"
	"github.com/janelia-flyem/voxfuse/grid"
	"github.com/janelia-flyem/voxfuse/tsdf"
	"github.com/janelia-flyem/voxfuse/voxfuse"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Path to a TOML configuration file.
	configFile = flag.String("config", "", "")

	// Number of frames of the synthetic scene to fuse.
	numFrames = flag.Int("frames", 10, "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
voxfuse fuses labeled point clouds into a shared TSDF + label volume

Usage: voxfuse [options]

      -config     =string   Path to TOML configuration file.
      -frames     =number   Number of synthetic frames to fuse (default 10).
      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message.
`

func main() {
	flag.Usage = func() {
		fmt.Print(helpMessage)
	}
	flag.Parse()
	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if *runVerbose {
		voxfuse.SetLogMode(voxfuse.DebugMode)
	}
	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}

	tc, err := loadConfig(*configFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	tc.Logging.SetLogger()

	if err := run(tc); err != nil {
		voxfuse.Criticalf("Fusion run failed: %v\n", err)
		os.Exit(1)
	}
}

func run(tc *tomlConfig) error {
	tsdfLayer, err := tsdf.NewLayer(tc.Volume.VoxelSize, tc.Volume.VoxelsPerSide)
	if err != nil {
		return err
	}
	labelLayer, err := grid.NewLayer(tc.Volume.VoxelSize, tc.Volume.VoxelsPerSide)
	if err != nil {
		return err
	}
	tsdfIntegrator, err := tsdf.NewIntegrator(tc.Tsdf, tsdfLayer)
	if err != nil {
		return err
	}
	var counter voxfuse.LabelCounter
	integrator, err := fusion.NewIntegrator(tc.Fusion, tsdfIntegrator, labelLayer, &counter)
	if err != nil {
		return err
	}

	voxfuse.Infof("Fusing %d frames with %d workers, %.0f mm voxels\n",
		*numFrames, tc.Tsdf.IntegratorThreads, tc.Volume.VoxelSize*1000)

	timedLog := voxfuse.NewTimeLog()
	for frame := 0; frame < *numFrames; frame++ {
		segments, err := sceneSegments(frame)
		if err != nil {
			return err
		}

		candidates := make(fusion.LabelCandidates)
		for _, s := range segments {
			if err := integrator.ComputeSegmentLabelCandidates(s, candidates); err != nil {
				return err
			}
		}
		if err := integrator.DecideLabelPointClouds(segments, candidates); err != nil {
			return err
		}
		for _, s := range segments {
			if err := integrator.IntegratePointCloud(s.TGC, s.PointsC, s.Colors, s.Labels, false); err != nil {
				return err
			}
		}
		integrator.MergeLabels()
	}

	labels := integrator.LabelsList()
	timedLog.Infof("Fused %d frames into %s label blocks (%s), %s distinct labels",
		*numFrames, humanize.Comma(int64(labelLayer.NumBlocks())),
		humanize.Bytes(labelLayer.MemUsage()), humanize.Comma(int64(len(labels))))
	return nil
}

// sceneSegments builds the labeled sub-clouds of one synthetic frame: three
// wall patches seen from a slowly drifting sensor pose. Patches are sampled
// concurrently since real pipelines hand segments over in parallel.
func sceneSegments(frame int) ([]*fusion.Segment, error) {
	pose := mat.Translate(0.01*float32(frame), 0, 0)
	walls := []struct {
		origin mat.Vec3
		du, dv mat.Vec3
		color  tsdf.Color
	}{
		{mat.Vec3{1.0, -0.3, -0.3}, mat.Vec3{0, 0.04, 0}, mat.Vec3{0, 0, 0.04}, tsdf.Color{200, 40, 40}},
		{mat.Vec3{-0.3, 1.2, -0.3}, mat.Vec3{0.04, 0, 0}, mat.Vec3{0, 0, 0.04}, tsdf.Color{40, 200, 40}},
		{mat.Vec3{-0.3, -0.3, 1.4}, mat.Vec3{0.04, 0, 0}, mat.Vec3{0, 0.04, 0}, tsdf.Color{40, 40, 200}},
	}

	segments := make([]*fusion.Segment, len(walls))
	var g errgroup.Group
	for i, wall := range walls {
		i, wall := i, wall
		g.Go(func() error {
			const side = 15
			s := &fusion.Segment{TGC: pose}
			for u := 0; u < side; u++ {
				for v := 0; v < side; v++ {
					p := wall.origin.
						Add(wall.du.Mul(float32(u))).
						Add(wall.dv.Mul(float32(v)))
					s.PointsC = append(s.PointsC, p)
					s.Colors = append(s.Colors, wall.color)
				}
			}
			segments[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return segments, nil
}
