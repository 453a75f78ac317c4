// Package export plans and drives the conversion of a trained vision model to
// an ONNX graph. The tracing itself is done by an iface.GraphExporter.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	iface "WaffleDeploy/interface"
	"WaffleDeploy/logger"

	"go.uber.org/zap"
)

// Export asks exporter to write the graph described by plan for model, and
// moves it to outputPath once it is complete. Nothing is left at outputPath
// when the exporter fails.
func Export(ctx context.Context, exporter iface.GraphExporter, model string, plan Plan, outputPath string) (string, error) {
	if exporter == nil {
		return "", errors.New("export: no graph exporter configured")
	}
	if !plan.Task.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedTask, plan.Task)
	}
	if outputPath == "" {
		return "", errors.New("export: output path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), filepath.Base(outputPath)+".*.partial")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	start := time.Now()
	req := plan.Request(model, tmpPath)
	logger.Log().Info("exporting graph",
		zap.String("model", model),
		zap.String("task", req.Task),
		zap.Strings("outputs", req.OutputNames),
		zap.Int64s("input_shape", req.InputShape),
		zap.String("precision", req.Precision),
		zap.Bool("dynamic_batch", req.DynamicBatch),
		zap.String("device", req.Device))

	if err := exporter.ExportGraph(ctx, req); err != nil {
		return "", fmt.Errorf("export %s graph: %w", plan.Task, err)
	}
	info, err := os.Stat(tmpPath)
	if err != nil {
		return "", fmt.Errorf("export %s graph: %w", plan.Task, err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("export %s graph: exporter wrote an empty file", plan.Task)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return "", err
	}
	logger.Log().Info("graph exported",
		zap.String("path", outputPath),
		zap.Int64("bytes", info.Size()),
		zap.Duration("took", time.Since(start)))
	return outputPath, nil
}
