// Command pairsplit separates the blended emission of overlapping
// galaxies in a spectral cube, guided by a higher-resolution optical
// segmentation. Inputs are raw little-endian arrays (float64 cubes,
// int32 priors); run with -demo to process a built-in synthetic pair
// instead.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BetaGem/wallaby-galaxy-pair/internal/synth"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/config"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/cube"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/pipeline"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/preview"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/resample"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "YAML configuration file (missing file means defaults)")
	demo := flag.Bool("demo", false, "Process the built-in synthetic galaxy pair")
	cubePath := flag.String("cube", "", "Raw float64 spectral cube")
	maskPath := flag.String("mask", "", "Raw float64 source mask cube, congruent with the cube")
	priorPath := flag.String("prior", "", "Raw int32 prior segmentation on the fine grid")
	dims := flag.String("dims", "", "Cube dimensions as chan,y,x")
	factor := flag.Int("factor", 0, "Upsample factor between cube and prior grids (overrides config)")
	outputDir := flag.String("output", "", "Output directory (overrides config)")
	cores := flag.Int("cores", 0, "Number of CPU cores to use (overrides config)")
	savePreviews := flag.Bool("previews", true, "Save per-channel PNG previews")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save the 2D and fixed-3D segmentations too")
	flag.Parse()

	if !*demo && (*cubePath == "" || *maskPath == "" || *priorPath == "" || *dims == "") {
		flag.Usage()
		os.Exit(1)
	}

	// Load configuration, then let explicit flags win over it
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "factor":
			cfg.Processing.UpsampleFactor = *factor
		case "cores":
			cfg.Processing.NumCores = *cores
		case "output":
			cfg.Output.Dir = *outputDir
		case "save-intermediary":
			cfg.Output.SaveIntermediaries = *saveIntermediary
		}
	})

	fmt.Println("================================")
	fmt.Println("WALLABY GALAXY PAIR SEPARATION")
	fmt.Println("Optical-prior seeded watershed over the spectral cube")
	fmt.Println("================================")

	// Assemble the inputs
	var (
		flux, weights *cube.Cube
		prior         []int32
	)
	if *demo {
		scene := synth.PairScene()
		cfg.Processing.UpsampleFactor = scene.Factor
		flux, weights, prior = scene.Flux(), scene.Weights(), scene.Prior()
		fmt.Printf("Demo scene: %d channels, %dx%d pixels, factor %d\n",
			scene.NChan, scene.NY, scene.NX, scene.Factor)
	} else {
		nchan, ny, nx, err := parseDims(*dims)
		if err != nil {
			log.Fatalf("Invalid -dims: %v", err)
		}
		if flux, err = readCube(*cubePath, nchan, ny, nx); err != nil {
			log.Fatalf("Failed to read cube: %v", err)
		}
		if weights, err = readCube(*maskPath, nchan, ny, nx); err != nil {
			log.Fatalf("Failed to read mask: %v", err)
		}
		k := cfg.Processing.UpsampleFactor
		if prior, err = readLabels(*priorPath, ny*k*nx*k); err != nil {
			log.Fatalf("Failed to read prior: %v", err)
		}
		fmt.Printf("Input cube: %d channels, %dx%d pixels, factor %d\n", nchan, ny, nx, k)
	}

	params, err := cfg.Params()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.Output.Verbose {
		params.Progress = func(completed, total int, message string) {
			fmt.Printf("[%d/%d] %s\n", completed, total, message)
		}
	}

	p, err := pipeline.New(params)
	if err != nil {
		log.Fatalf("Invalid parameters: %v", err)
	}

	// Run the separation pipeline
	fmt.Println("Starting source separation...")
	startTime := time.Now()
	result, err := p.Run(flux, weights, prior)
	if err != nil {
		log.Fatalf("Separation failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nSeparation completed in %.2f seconds\n", processingTime.Seconds())
	printStats(result)

	// Write the label volume and the run summary
	outDir := cfg.Output.Dir
	labelsPath := filepath.Join(outDir, "labels.i32")
	if err := writeLabels(labelsPath, result.Labels); err != nil {
		log.Fatalf("Failed to write labels: %v", err)
	}
	fmt.Printf("\nLabel volume saved to: %s\n", labelsPath)

	if err := writeSummary(filepath.Join(outDir, "summary.yaml"), result, processingTime); err != nil {
		log.Fatalf("Failed to write summary: %v", err)
	}

	if cfg.Output.SaveIntermediaries {
		for name, data := range map[string][]int32{
			"markers2d.i32": result.Markers2D,
			"seg2d.i32":     result.Seg2D,
			"fixed3d.i32":   result.Fixed3D,
		} {
			if err := writeLabels(filepath.Join(outDir, name), data); err != nil {
				log.Fatalf("Failed to write %s: %v", name, err)
			}
		}
		fmt.Printf("Intermediate segmentations saved to: %s\n", outDir)
	}

	// Save the quick-look previews
	if *savePreviews {
		fluxUp, err := upsampledFlux(result, flux)
		if err != nil {
			log.Printf("Warning: skipping previews: %v", err)
			return
		}
		renderer, err := preview.NewRenderer(fluxUp, result.Labels, result.Shape)
		if err != nil {
			log.Printf("Warning: skipping previews: %v", err)
			return
		}
		previewDir := filepath.Join(outDir, "previews")
		fmt.Printf("Saving previews to: %s\n", previewDir)
		if err := renderer.SaveSequence(filepath.Join(previewDir, "labels"), "seg", true); err != nil {
			log.Printf("Warning: failed to save label previews: %v", err)
		}
		if err := preview.SavePNG(preview.GrayImage(result.Moment0), filepath.Join(previewDir, "moment0.png")); err != nil {
			log.Printf("Warning: failed to save moment-0 preview: %v", err)
		}
	}
}

// printStats mirrors the run summary on stdout.
func printStats(result *pipeline.Result) {
	s := result.Stats
	fmt.Printf("\nRun statistics:\n")
	fmt.Printf("=======================================\n")
	fmt.Printf("Separated sources: %d\n", s.NumSources)
	fmt.Printf("Seed pixels from prior: %d\n", s.SeedCount2D)
	fmt.Printf("Peaks found: %d\n", s.PeakCount)
	fmt.Printf("Noise RMS: %.6g\n", s.NoiseRMS)
	fmt.Printf("Labeled voxels: %d\n", s.LabeledVoxels)
	if len(s.Removed2D) > 0 {
		fmt.Printf("Sources pruned in 2D: %v\n", s.Removed2D)
	}
	if len(s.Removed3D) > 0 {
		fmt.Printf("Sources pruned in 3D: %v\n", s.Removed3D)
	}
	fmt.Printf("\nStage timing:\n")
	for _, st := range s.StageTimes {
		fmt.Printf("- %-28s %8.3f ms\n", st.Stage, float64(st.Duration.Microseconds())/1000)
	}
}

// runSummary is the YAML document written next to the label volume.
type runSummary struct {
	Sources       int       `yaml:"sources"`
	SeedPixels    int       `yaml:"seedPixels"`
	Peaks         int       `yaml:"peaks"`
	NoiseRMS      float64   `yaml:"noiseRms"`
	LabeledVoxels int       `yaml:"labeledVoxels"`
	Removed2D     []int32   `yaml:"removed2d,omitempty"`
	Removed3D     []int32   `yaml:"removed3d,omitempty"`
	Shape         []int     `yaml:"shape"`
	Stages        []stageMS `yaml:"stages"`
	TotalSeconds  float64   `yaml:"totalSeconds"`
}

type stageMS struct {
	Name         string  `yaml:"name"`
	Milliseconds float64 `yaml:"milliseconds"`
}

func writeSummary(path string, result *pipeline.Result, total time.Duration) error {
	s := runSummary{
		Sources:       result.Stats.NumSources,
		SeedPixels:    result.Stats.SeedCount2D,
		Peaks:         result.Stats.PeakCount,
		NoiseRMS:      result.Stats.NoiseRMS,
		LabeledVoxels: result.Stats.LabeledVoxels,
		Removed2D:     result.Stats.Removed2D,
		Removed3D:     result.Stats.Removed3D,
		Shape:         result.Shape,
		TotalSeconds:  total.Seconds(),
	}
	for _, st := range result.Stats.StageTimes {
		s.Stages = append(s.Stages, stageMS{
			Name:         st.Stage,
			Milliseconds: float64(st.Duration.Microseconds()) / 1000,
		})
	}

	data, err := yaml.Marshal(&s)
	if err != nil {
		return fmt.Errorf("error marshaling summary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// parseDims splits a "chan,y,x" dimension triple.
func parseDims(s string) (nchan, ny, nx int, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("want chan,y,x, got %q", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 1 {
			return 0, 0, 0, fmt.Errorf("bad dimension %q", p)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], nil
}

// readCube loads a raw little-endian float64 array and wraps it in a
// cube with the given dimensions.
func readCube(path string, nchan, ny, nx int) (*cube.Cube, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	n := nchan * ny * nx
	if len(raw) != 8*n {
		return nil, fmt.Errorf("%s holds %d bytes, dimensions %dx%dx%d need %d",
			path, len(raw), nchan, ny, nx, 8*n)
	}
	c := cube.NewCube(nchan, ny, nx)
	for i := 0; i < n; i++ {
		c.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return c, nil
}

// readLabels loads a raw little-endian int32 array of length n.
func readLabels(path string, n int) ([]int32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != 4*n {
		return nil, fmt.Errorf("%s holds %d bytes, want %d", path, len(raw), 4*n)
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

// writeLabels stores a label array as raw little-endian int32.
func writeLabels(path string, labels []int32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	raw := make([]byte, 4*len(labels))
	for i, v := range labels {
		binary.LittleEndian.PutUint32(raw[4*i:], uint32(v))
	}
	return os.WriteFile(path, raw, 0644)
}

// upsampledFlux rebuilds the resampled cube the previews are drawn
// over. The pipeline does not retain it, so the renderer recomputes
// the enlargement from the input cube.
func upsampledFlux(result *pipeline.Result, flux *cube.Cube) ([]float64, error) {
	if len(result.Shape) != 3 || flux == nil {
		return nil, fmt.Errorf("missing resampled shape")
	}
	n := result.Shape[0] * result.Shape[1] * result.Shape[2]
	// Preview brightness only needs the replicated cube; reuse the
	// moment-0 map when the channel counts disagree after binning.
	if result.Shape[0] != flux.NChan {
		out := make([]float64, n)
		plane := result.Shape[1] * result.Shape[2]
		for ch := 0; ch < result.Shape[0]; ch++ {
			copy(out[ch*plane:(ch+1)*plane], result.Moment0.Data)
		}
		return out, nil
	}
	k := result.Shape[1] / flux.NY
	up, err := resample.EnlargeCube(flux, k, true, 0)
	if err != nil {
		return nil, err
	}
	return up.Data, nil
}
