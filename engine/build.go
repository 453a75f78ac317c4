// Package engine turns exported ONNX graphs into accelerator engine artifacts
// and runs exported graphs on image batches with ONNX Runtime.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"WaffleDeploy/export"
	"WaffleDeploy/imgproc"
	iface "WaffleDeploy/interface"
	"WaffleDeploy/logger"
	"WaffleDeploy/monitor"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultWorkspaceGiB = 4

type Options struct {
	ImageSize    imgproc.Size
	BatchSize    int
	Precision    export.Precision
	DynamicBatch bool
	WorkspaceGiB int
	Device       export.Device
}

func DefaultOptions() Options {
	return Options{
		BatchSize:    export.DefaultBatchSize,
		Precision:    export.FP32,
		WorkspaceGiB: DefaultWorkspaceGiB,
		Device:       export.DefaultDevice,
	}
}

func (o Options) Validate() error {
	if !o.ImageSize.Valid() {
		return fmt.Errorf("%w: %s", imgproc.ErrInvalidSize, o.ImageSize)
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", o.BatchSize)
	}
	if !o.Precision.Valid() {
		return fmt.Errorf("%w: %s", export.ErrUnknownPrecision, o.Precision)
	}
	if o.WorkspaceGiB <= 0 {
		return fmt.Errorf("workspace must be positive, got %d GiB", o.WorkspaceGiB)
	}
	return nil
}

func (o Options) WorkspaceBytes() int64 {
	return int64(o.WorkspaceGiB) << 30
}

// Profiles returns one optimization profile per graph input when the batch
// axis is dynamic: batch 1 up to BatchSize, tuned for half of it.
func (o Options) Profiles(inputs []iface.TensorInfo) []iface.ShapeProfile {
	if !o.DynamicBatch {
		return nil
	}
	shape := func(b int) []int64 {
		return []int64{int64(b), 3, int64(o.ImageSize.H), int64(o.ImageSize.W)}
	}
	profiles := make([]iface.ShapeProfile, len(inputs))
	for i, in := range inputs {
		profiles[i] = iface.ShapeProfile{
			Input: in.Name,
			Min:   shape(1),
			Opt:   shape(max(1, o.BatchSize/2)),
			Max:   shape(o.BatchSize),
		}
	}
	return profiles
}

func (o Options) Request(graphPath string, info iface.GraphInfo) iface.CompileRequest {
	return iface.CompileRequest{
		GraphPath:      graphPath,
		WorkspaceBytes: o.WorkspaceBytes(),
		FP16:           o.Precision == export.FP16,
		INT8:           o.Precision == export.INT8,
		Profiles:       o.Profiles(info.Inputs),
		Device:         o.Device.String(),
	}
}

// Build parses graphPath, compiles it and writes the engine artifact to
// enginePath. Fields of meta left empty are filled from opts and the graph.
func Build(ctx context.Context, inspector iface.GraphInspector, compiler iface.EngineCompiler, graphPath, enginePath string, opts Options, meta Metadata) (Metadata, error) {
	if inspector == nil || compiler == nil {
		return Metadata{}, errors.New("build: inspector and compiler are required")
	}
	if err := opts.Validate(); err != nil {
		return Metadata{}, err
	}
	info, err := inspector.Inspect(graphPath)
	if err != nil {
		if !errors.Is(err, ErrGraphParse) {
			err = fmt.Errorf("%w: %s: %w", ErrGraphParse, graphPath, err)
		}
		return Metadata{}, err
	}
	log := logger.Log()
	for _, in := range info.Inputs {
		log.Info("graph input", zap.String("name", in.Name), zap.Int64s("shape", in.Shape), zap.String("dtype", in.DataType))
	}
	for _, out := range info.Outputs {
		log.Info("graph output", zap.String("name", out.Name), zap.Int64s("shape", out.Shape), zap.String("dtype", out.DataType))
	}

	req := opts.Request(graphPath, info)
	start := time.Now()
	raw, err := compiler.Compile(ctx, req)
	if err != nil {
		return Metadata{}, fmt.Errorf("compile %s: %w", graphPath, err)
	}
	if len(raw) == 0 {
		return Metadata{}, fmt.Errorf("compile %s: compiler returned an empty engine", graphPath)
	}

	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	if meta.InputNames == nil {
		meta.InputNames = names(info.Inputs)
	}
	if meta.OutputNames == nil {
		meta.OutputNames = names(info.Outputs)
	}
	meta.Precision = opts.Precision.String()
	meta.ImageSize = [2]int{opts.ImageSize.W, opts.ImageSize.H}
	meta.BatchSize = opts.BatchSize
	meta.DynamicBatch = opts.DynamicBatch
	meta.Device = opts.Device.String()

	if err := WriteArtifactFile(enginePath, meta, raw); err != nil {
		return Metadata{}, err
	}
	monitor.ArtifactsBuilt.Inc()
	log.Info("engine built",
		zap.String("id", meta.ID),
		zap.String("path", enginePath),
		zap.Int("engine_bytes", len(raw)),
		zap.Duration("took", time.Since(start)))
	return meta, nil
}
