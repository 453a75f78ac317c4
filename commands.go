package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	adhoc "WaffleDeploy/Adhoc"
	"WaffleDeploy/config"
	"WaffleDeploy/cvimage"
	"WaffleDeploy/engine"
	"WaffleDeploy/export"
	"WaffleDeploy/imgproc"
	"WaffleDeploy/logger"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// datasetFlags binds the flags shared by commands that read image folders.
type datasetFlags struct {
	dir       string
	recursive bool
	imageSize []int
	letterBox bool
	batch     int
	workers   int
	backend   string
}

func (d *datasetFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&d.dir, "dir", "", "image directory")
	f.BoolVar(&d.recursive, "recursive", false, "descend into subdirectories")
	f.IntSliceVar(&d.imageSize, "imgsz", nil, "target size: side or width,height")
	f.BoolVar(&d.letterBox, "letterbox", true, "keep aspect ratio and pad")
	f.IntVar(&d.batch, "batch", 1, "images per batch")
	f.IntVar(&d.workers, "workers", 4, "decode goroutines")
	f.StringVar(&d.backend, "backend", config.BackendNative, "decoder backend: native or opencv")
}

func (d *datasetFlags) apply(cmd *cobra.Command) error {
	override(cmd, "dir", &cfg.Dataset.Dir, d.dir)
	override(cmd, "recursive", &cfg.Dataset.Recursive, d.recursive)
	override(cmd, "imgsz", &cfg.Dataset.ImageSize, d.imageSize)
	override(cmd, "letterbox", &cfg.Dataset.LetterBox, d.letterBox)
	override(cmd, "batch", &cfg.Dataset.BatchSize, d.batch)
	override(cmd, "workers", &cfg.Dataset.Workers, d.workers)
	override(cmd, "backend", &cfg.Dataset.Backend, d.backend)
	return cfg.Validate()
}

func openDataset() (*imgproc.Dataset, error) {
	opts, err := cfg.DatasetOptions()
	if err != nil {
		return nil, err
	}
	return imgproc.NewDataset(opts, decoderFor(cfg.Dataset.Backend))
}

func newBatchesCmd() *cobra.Command {
	var df datasetFlags
	var printMeta bool
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Decode an image folder into batches and report their shapes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := df.apply(cmd); err != nil {
				return err
			}
			ds, err := openDataset()
			if err != nil {
				return err
			}
			log := logger.Log()
			log.Info("dataset opened",
				zap.String("dir", cfg.Dataset.Dir),
				zap.Int("images", ds.Len()),
				zap.Int("batches", ds.NumBatches(cfg.Dataset.BatchSize)),
				zap.Stringer("size", ds.ImageSize()))
			for b, err := range ds.Batches(cmd.Context(), cfg.Dataset.BatchSize, cfg.Dataset.Workers) {
				if err != nil {
					return err
				}
				log.Info("batch", zap.Int("index", b.Index), zap.Int64s("shape", b.Images.Shape))
				if printMeta {
					for i, p := range b.Paths {
						if err := printJSON(map[string]any{"path": p, "meta": b.Metas[i]}); err != nil {
							return err
						}
					}
				}
			}
			return nil
		},
	}
	df.register(cmd)
	cmd.Flags().BoolVar(&printMeta, "meta", false, "print per-image metadata as JSON")
	return cmd
}

func newLetterboxCmd() *cobra.Command {
	var df datasetFlags
	cmd := &cobra.Command{
		Use:   "letterbox <input> <output>",
		Short: "Letterbox a single image and write the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := df.apply(cmd); err != nil {
				return err
			}
			size, err := cfg.ImageSize()
			if err != nil {
				return err
			}
			var g imgproc.Geometry
			if cfg.Dataset.Backend == config.BackendOpenCV {
				g, err = letterboxOpenCV(args[0], args[1], size)
			} else {
				g, err = letterboxNative(args[0], args[1], size)
			}
			if err != nil {
				return err
			}
			return printJSON(g.Meta())
		},
	}
	df.register(cmd)
	return cmd
}

func letterboxNative(in, out string, size imgproc.Size) (imgproc.Geometry, error) {
	img, err := imaging.Open(in)
	if err != nil {
		return imgproc.Geometry{}, fmt.Errorf("%w: %s: %w", imgproc.ErrDecode, in, err)
	}
	dst, g, err := imgproc.Letterbox(img, size, cfg.Dataset.LetterBox)
	if err != nil {
		return imgproc.Geometry{}, err
	}
	return g, imaging.Save(dst, out)
}

func letterboxOpenCV(in, out string, size imgproc.Size) (imgproc.Geometry, error) {
	src := gocv.IMRead(in, gocv.IMReadColor)
	defer src.Close()
	if src.Empty() {
		return imgproc.Geometry{}, fmt.Errorf("%w: %s", imgproc.ErrDecode, in)
	}
	dst, g, err := cvimage.Letterbox(src, size, cfg.Dataset.LetterBox)
	if err != nil {
		return imgproc.Geometry{}, err
	}
	defer dst.Close()
	if !gocv.IMWrite(out, dst) {
		return imgproc.Geometry{}, fmt.Errorf("failed to write %s", out)
	}
	return g, nil
}

// exportFlags binds the flags shared by export, build and run.
type exportFlags struct {
	task      string
	precision string
	device    string
	batch     int
	opset     int
	dynamic   bool
	imageSize []int
}

func (e *exportFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&e.task, "task", "", "task: "+strings.Join(taskNames(), ", "))
	f.StringVar(&e.precision, "precision", "", "fp32, fp16 or int8")
	f.StringVar(&e.device, "device", "", "cpu, N or cuda:N")
	f.IntVar(&e.batch, "batch", export.DefaultBatchSize, "export batch size")
	f.IntVar(&e.opset, "opset", export.DefaultOpset, "ONNX opset version")
	f.BoolVar(&e.dynamic, "dynamic", false, "make the batch axis dynamic")
	f.IntSliceVar(&e.imageSize, "imgsz", nil, "input size: side or width,height")
}

func (e *exportFlags) apply(cmd *cobra.Command) error {
	override(cmd, "task", &cfg.Export.Task, e.task)
	override(cmd, "precision", &cfg.Export.Precision, e.precision)
	override(cmd, "device", &cfg.Export.Device, e.device)
	override(cmd, "batch", &cfg.Export.BatchSize, e.batch)
	override(cmd, "opset", &cfg.Export.Opset, e.opset)
	override(cmd, "dynamic", &cfg.Export.DynamicBatch, e.dynamic)
	override(cmd, "imgsz", &cfg.Dataset.ImageSize, e.imageSize)
	return cfg.Validate()
}

func taskNames() []string {
	var names []string
	for _, t := range export.Tasks() {
		names = append(names, t.String())
	}
	return names
}

func newExportCmd() *cobra.Command {
	var ef exportFlags
	cmd := &cobra.Command{
		Use:   "export <model> <output.onnx>",
		Short: "Export a trained model to an ONNX graph",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ef.apply(cmd); err != nil {
				return err
			}
			opts, err := cfg.ExportOptions()
			if err != nil {
				return err
			}
			plan, err := export.NewPlan(opts)
			if err != nil {
				return err
			}
			exporter, err := cfg.Exporter()
			if err != nil {
				return err
			}
			path, err := export.Export(cmd.Context(), exporter, args[0], plan, args[1])
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
	ef.register(cmd)
	return cmd
}

func newBuildCmd() *cobra.Command {
	var ef exportFlags
	var workspace int
	cmd := &cobra.Command{
		Use:   "build <graph.onnx> <output.engine>",
		Short: "Compile an ONNX graph into an engine artifact with trtexec",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ef.apply(cmd); err != nil {
				return err
			}
			override(cmd, "workspace", &cfg.Engine.WorkspaceGiB, workspace)
			opts, err := cfg.EngineOptions()
			if err != nil {
				return err
			}
			if err := engine.InitRuntime(cfg.OnnxRuntime.LibPath); err != nil {
				return err
			}
			defer engine.DestroyRuntime()

			meta, err := engine.Build(cmd.Context(), engine.OrtInspector{}, cfg.Compiler(),
				args[0], args[1], opts, engine.Metadata{Task: cfg.Export.Task, Opset: cfg.Export.Opset})
			if err != nil {
				return err
			}
			if cfg.Registry.Enabled {
				reportArtifact(cmd, meta, args[1])
			}
			return printJSON(meta)
		},
	}
	ef.register(cmd)
	cmd.Flags().IntVar(&workspace, "workspace", engine.DefaultWorkspaceGiB, "builder workspace in GiB")
	return cmd
}

func reportArtifact(cmd *cobra.Command, meta engine.Metadata, path string) {
	log := logger.Log()
	st, err := os.Stat(path)
	if err != nil {
		log.Warn("cannot stat artifact", zap.Error(err))
		return
	}
	ip, err := GetOutboundIP()
	if err != nil {
		ip = "127.0.0.1"
	}
	device, _ := export.ParseDevice(cfg.Export.Device)
	client := adhoc.NewClient(cfg.Registry.Host, cfg.Registry.Port, ip, cfg.Server.RPCPort, adhoc.InstanceClass(device))
	abs, _ := filepath.Abs(path)
	if err := client.ReportArtifact(cmd.Context(), meta, abs, st.Size()); err != nil {
		log.Warn("artifact report failed", zap.Error(err))
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <graph.onnx|artifact.engine>",
		Short: "Print graph inputs and outputs or engine artifact metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if strings.EqualFold(filepath.Ext(path), ".onnx") {
				if err := engine.InitRuntime(cfg.OnnxRuntime.LibPath); err != nil {
					return err
				}
				defer engine.DestroyRuntime()
				info, err := engine.OrtInspector{}.Inspect(path)
				if err != nil {
					return err
				}
				return printJSON(info)
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			meta, err := engine.ReadMetadata(f)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			return printJSON(meta)
		},
	}
}

// runPlan builds the export plan for `run` and makes the dataset batch match
// the graph batch.
func runPlan() (export.Plan, error) {
	opts, err := cfg.ExportOptions()
	if err != nil {
		return export.Plan{}, err
	}
	plan, err := export.NewPlan(opts)
	if err != nil {
		return export.Plan{}, err
	}
	cfg.Dataset.BatchSize = plan.BatchSize
	return plan, nil
}

func newRunCmd() *cobra.Command {
	var ef exportFlags
	var df datasetFlags
	var warmup int
	cmd := &cobra.Command{
		Use:   "run <graph.onnx>",
		Short: "Run an exported graph over an image folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ef.apply(cmd); err != nil {
				return err
			}
			df.batch, df.imageSize = ef.batch, ef.imageSize
			if err := df.apply(cmd); err != nil {
				return err
			}
			plan, err := runPlan()
			if err != nil {
				return err
			}
			if err := engine.InitRuntime(cfg.OnnxRuntime.LibPath); err != nil {
				return err
			}
			defer engine.DestroyRuntime()

			runner := &engine.Runner{}
			if err := runner.New(plan.Device); err != nil {
				return err
			}
			defer runner.Destroy()
			if err := runner.Load(args[0], plan); err != nil {
				return err
			}
			if err := runner.Warmup(plan, warmup); err != nil {
				return err
			}

			ds, err := openDataset()
			if err != nil {
				return err
			}
			log := logger.Log()
			for b, err := range ds.Batches(cmd.Context(), cfg.Dataset.BatchSize, cfg.Dataset.Workers) {
				if err != nil {
					return err
				}
				var outputs map[string]engine.Output
				if plan.DynamicBatch {
					outputs, err = runner.Run(b.Images)
				} else {
					outputs, err = runner.RunPadded(b.Images, int64(plan.BatchSize))
				}
				if err != nil {
					return fmt.Errorf("batch %d: %w", b.Index, err)
				}
				for _, name := range plan.OutputNames {
					log.Info("output", zap.Int("batch", b.Index), zap.String("name", name), zap.Int64s("shape", outputs[name].Shape))
				}
			}
			return nil
		},
	}
	ef.register(cmd)
	f := cmd.Flags()
	f.StringVar(&df.dir, "dir", "", "image directory")
	f.BoolVar(&df.recursive, "recursive", false, "descend into subdirectories")
	f.IntVar(&df.workers, "workers", 4, "decode goroutines")
	f.StringVar(&df.backend, "backend", config.BackendNative, "decoder backend: native or opencv")
	f.IntVar(&warmup, "warmup", 1, "warmup runs before the dataset")
	return cmd
}
