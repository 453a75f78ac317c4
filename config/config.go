// Package config loads the YAML or TOML configuration shared by the CLI
// commands and the server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"WaffleDeploy/engine"
	"WaffleDeploy/export"
	"WaffleDeploy/imgproc"
	"WaffleDeploy/logger"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	BackendNative = "native"
	BackendOpenCV = "opencv"
)

type Log struct {
	Mode  string `yaml:"mode" toml:"mode"`
	Level string `yaml:"level" toml:"level"`
}

type Dataset struct {
	Dir       string `yaml:"dir" toml:"dir"`
	Recursive bool   `yaml:"recursive" toml:"recursive"`
	// ImageSize is [side] for a square target or [width, height].
	ImageSize []int  `yaml:"imageSize" toml:"imageSize"`
	LetterBox bool   `yaml:"letterBox" toml:"letterBox"`
	BatchSize int    `yaml:"batchSize" toml:"batchSize"`
	Workers   int    `yaml:"workers" toml:"workers"`
	Backend   string `yaml:"backend" toml:"backend"`
}

type Export struct {
	Task         string   `yaml:"task" toml:"task"`
	Precision    string   `yaml:"precision" toml:"precision"`
	Opset        int      `yaml:"opset" toml:"opset"`
	DynamicBatch bool     `yaml:"dynamicBatch" toml:"dynamicBatch"`
	Device       string   `yaml:"device" toml:"device"`
	BatchSize    int      `yaml:"batchSize" toml:"batchSize"`
	Exporter     []string `yaml:"exporter" toml:"exporter"`
}

type Engine struct {
	WorkspaceGiB int      `yaml:"workspaceGiB" toml:"workspaceGiB"`
	Trtexec      string   `yaml:"trtexec" toml:"trtexec"`
	ExtraArgs    []string `yaml:"extraArgs" toml:"extraArgs"`
}

type Server struct {
	HTTPPort    int `yaml:"httpPort" toml:"httpPort"`
	RPCPort     int `yaml:"rpcPort" toml:"rpcPort"`
	MetricsPort int `yaml:"metricsPort" toml:"metricsPort"`
}

type Registry struct {
	Enabled         bool   `yaml:"enabled" toml:"enabled"`
	Host            string `yaml:"host" toml:"host"`
	Port            int    `yaml:"port" toml:"port"`
	IntervalSeconds int    `yaml:"intervalSeconds" toml:"intervalSeconds"`
}

type OnnxRuntime struct {
	LibPath string `yaml:"libPath" toml:"libPath"`
}

type Config struct {
	Log         Log         `yaml:"log" toml:"log"`
	Dataset     Dataset     `yaml:"dataset" toml:"dataset"`
	Export      Export      `yaml:"export" toml:"export"`
	Engine      Engine      `yaml:"engine" toml:"engine"`
	Server      Server      `yaml:"server" toml:"server"`
	Registry    Registry    `yaml:"registry" toml:"registry"`
	OnnxRuntime OnnxRuntime `yaml:"onnxRuntime" toml:"onnxRuntime"`
}

func Default() Config {
	return Config{
		Log: Log{Mode: logger.ModeProduction, Level: "info"},
		Dataset: Dataset{
			ImageSize: []int{640},
			LetterBox: true,
			BatchSize: 1,
			Workers:   4,
			Backend:   BackendNative,
		},
		Export: Export{
			Task:      export.ObjectDetection.String(),
			Precision: export.FP32.String(),
			Opset:     export.DefaultOpset,
			Device:    export.DefaultDevice.String(),
			BatchSize: export.DefaultBatchSize,
		},
		Engine: Engine{WorkspaceGiB: engine.DefaultWorkspaceGiB},
		Server: Server{HTTPPort: 8080, RPCPort: 50051, MetricsPort: 9090},
		Registry: Registry{
			Host:            "127.0.0.1",
			Port:            8000,
			IntervalSeconds: 5,
		},
	}
}

// Load reads path on top of Default. The format follows the extension:
// .yaml/.yml or .toml.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseSize turns [side] or [width, height] into a Size.
func ParseSize(v []int) (imgproc.Size, error) {
	var s imgproc.Size
	switch len(v) {
	case 1:
		s = imgproc.Size{W: v[0], H: v[0]}
	case 2:
		s = imgproc.Size{W: v[0], H: v[1]}
	default:
		return imgproc.Size{}, fmt.Errorf("%w: want 1 or 2 values, got %v", imgproc.ErrInvalidSize, v)
	}
	if !s.Valid() {
		return imgproc.Size{}, fmt.Errorf("%w: %s", imgproc.ErrInvalidSize, s)
	}
	return s, nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := ParseSize(c.Dataset.ImageSize); err != nil {
		errs = append(errs, fmt.Errorf("dataset.imageSize: %w", err))
	}
	if c.Dataset.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("dataset.batchSize must be positive, got %d", c.Dataset.BatchSize))
	}
	if c.Dataset.Backend != BackendNative && c.Dataset.Backend != BackendOpenCV {
		errs = append(errs, fmt.Errorf("dataset.backend must be %q or %q, got %q", BackendNative, BackendOpenCV, c.Dataset.Backend))
	}
	if _, err := export.ParseTask(c.Export.Task); err != nil {
		errs = append(errs, fmt.Errorf("export.task: %w", err))
	}
	if _, err := export.ParsePrecision(c.Export.Precision); err != nil {
		errs = append(errs, fmt.Errorf("export.precision: %w", err))
	}
	if _, err := export.ParseDevice(c.Export.Device); err != nil {
		errs = append(errs, fmt.Errorf("export.device: %w", err))
	}
	if c.Export.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("export.batchSize must be positive, got %d", c.Export.BatchSize))
	}
	if c.Export.Opset <= 0 {
		errs = append(errs, fmt.Errorf("export.opset must be positive, got %d", c.Export.Opset))
	}
	if c.Engine.WorkspaceGiB <= 0 {
		errs = append(errs, fmt.Errorf("engine.workspaceGiB must be positive, got %d", c.Engine.WorkspaceGiB))
	}
	if c.Registry.Enabled && c.Registry.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("registry.intervalSeconds must be positive, got %d", c.Registry.IntervalSeconds))
	}
	return errors.Join(errs...)
}

func (c Config) ImageSize() (imgproc.Size, error) {
	return ParseSize(c.Dataset.ImageSize)
}

func (c Config) DatasetOptions() (imgproc.DatasetOptions, error) {
	size, err := c.ImageSize()
	if err != nil {
		return imgproc.DatasetOptions{}, err
	}
	return imgproc.DatasetOptions{
		Dir:       c.Dataset.Dir,
		Recursive: c.Dataset.Recursive,
		ImageSize: size,
		LetterBox: c.Dataset.LetterBox,
	}, nil
}

func (c Config) ExportOptions() (export.Options, error) {
	size, err := c.ImageSize()
	if err != nil {
		return export.Options{}, err
	}
	task, err := export.ParseTask(c.Export.Task)
	if err != nil {
		return export.Options{}, err
	}
	precision, err := export.ParsePrecision(c.Export.Precision)
	if err != nil {
		return export.Options{}, err
	}
	device, err := export.ParseDevice(c.Export.Device)
	if err != nil {
		return export.Options{}, err
	}
	return export.Options{
		Task:         task,
		ImageSize:    size,
		BatchSize:    c.Export.BatchSize,
		Opset:        c.Export.Opset,
		Precision:    precision,
		DynamicBatch: c.Export.DynamicBatch,
		Device:       device,
	}, nil
}

func (c Config) EngineOptions() (engine.Options, error) {
	eo, err := c.ExportOptions()
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		ImageSize:    eo.ImageSize,
		BatchSize:    eo.BatchSize,
		Precision:    eo.Precision,
		DynamicBatch: eo.DynamicBatch,
		WorkspaceGiB: c.Engine.WorkspaceGiB,
		Device:       eo.Device,
	}, nil
}

func (c Config) Compiler() engine.TrtexecCompiler {
	return engine.TrtexecCompiler{Path: c.Engine.Trtexec, ExtraArgs: c.Engine.ExtraArgs}
}

func (c Config) Exporter() (export.CommandExporter, error) {
	if len(c.Export.Exporter) == 0 {
		return export.CommandExporter{}, errors.New("export.exporter command is not configured")
	}
	return export.CommandExporter{Command: c.Export.Exporter}, nil
}
