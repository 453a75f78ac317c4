package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"WaffleDeploy/export"
	iface "WaffleDeploy/interface"
	"WaffleDeploy/logger"

	"go.uber.org/zap"
)

// TrtexecCompiler builds TensorRT engines by running NVIDIA's trtexec tool.
type TrtexecCompiler struct {
	// Path to the binary; looked up in PATH when empty.
	Path      string
	ExtraArgs []string
}

func (c TrtexecCompiler) binary() (string, error) {
	name := c.Path
	if name == "" {
		name = "trtexec"
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("trtexec not found: %w", err)
	}
	return p, nil
}

func dims(shape []int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return strings.Join(parts, "x")
}

func shapesFlag(flag string, profiles []iface.ShapeProfile, pick func(iface.ShapeProfile) []int64) string {
	parts := make([]string, len(profiles))
	for i, p := range profiles {
		parts[i] = p.Input + ":" + dims(pick(p))
	}
	return flag + "=" + strings.Join(parts, ",")
}

func (c TrtexecCompiler) Args(req iface.CompileRequest, enginePath string) []string {
	args := []string{"--onnx=" + req.GraphPath, "--saveEngine=" + enginePath}
	if req.WorkspaceBytes > 0 {
		args = append(args, fmt.Sprintf("--memPoolSize=workspace:%dM", req.WorkspaceBytes>>20))
	}
	if req.FP16 {
		args = append(args, "--fp16")
	}
	if req.INT8 {
		args = append(args, "--int8")
	}
	if len(req.Profiles) > 0 {
		args = append(args,
			shapesFlag("--minShapes", req.Profiles, func(p iface.ShapeProfile) []int64 { return p.Min }),
			shapesFlag("--optShapes", req.Profiles, func(p iface.ShapeProfile) []int64 { return p.Opt }),
			shapesFlag("--maxShapes", req.Profiles, func(p iface.ShapeProfile) []int64 { return p.Max }),
		)
	}
	if d, err := export.ParseDevice(req.Device); err == nil && !d.IsCPU() {
		args = append(args, fmt.Sprintf("--device=%d", d.Index))
	}
	return append(args, c.ExtraArgs...)
}

func (c TrtexecCompiler) Compile(ctx context.Context, req iface.CompileRequest) ([]byte, error) {
	if d, err := export.ParseDevice(req.Device); err == nil && d.IsCPU() {
		return nil, errors.New("trtexec needs an accelerator device, got cpu")
	}
	bin, err := c.binary()
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "trtexec-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	enginePath := filepath.Join(dir, "model.engine")

	args := c.Args(req, enginePath)
	logger.Log().Info("starting trtexec", zap.String("bin", bin), zap.Strings("args", args))
	cmd := exec.CommandContext(ctx, bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("trtexec exited with code %d: %s", exitErr.ExitCode(), lastLine(output))
		}
		return nil, fmt.Errorf("failed to start trtexec: %w", err)
	}
	return os.ReadFile(enginePath)
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
