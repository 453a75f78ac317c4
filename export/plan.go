package export

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"

	"WaffleDeploy/imgproc"
	iface "WaffleDeploy/interface"
)

const (
	InputName        = "inputs"
	BatchAxis        = "batch_size"
	DefaultBatchSize = 16
	DefaultOpset     = 11
)

type Options struct {
	Task         Task
	ImageSize    imgproc.Size
	BatchSize    int
	Opset        int
	Precision    Precision
	DynamicBatch bool
	Device       Device
}

func DefaultOptions() Options {
	return Options{
		BatchSize: DefaultBatchSize,
		Opset:     DefaultOpset,
		Precision: FP32,
		Device:    DefaultDevice,
	}
}

// Plan is a validated description of one graph export.
type Plan struct {
	Task         Task
	ImageSize    imgproc.Size
	BatchSize    int
	Opset        int
	Precision    Precision
	Device       Device
	DynamicBatch bool
	InputNames   []string
	OutputNames  []string
	// InputShape is (batch, 3, H, W).
	InputShape []int64
	// DynamicAxes marks axis 0 of every input and output as variable; nil
	// for fixed-batch exports.
	DynamicAxes map[string]map[int]string
}

func NewPlan(o Options) (Plan, error) {
	if !o.Task.Valid() {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnsupportedTask, o.Task)
	}
	if !o.Precision.Valid() {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownPrecision, o.Precision)
	}
	if !o.ImageSize.Valid() {
		return Plan{}, fmt.Errorf("%w: %s", imgproc.ErrInvalidSize, o.ImageSize)
	}
	if o.BatchSize <= 0 {
		return Plan{}, fmt.Errorf("batch size must be positive, got %d", o.BatchSize)
	}
	if o.Opset <= 0 {
		return Plan{}, fmt.Errorf("opset version must be positive, got %d", o.Opset)
	}

	p := Plan{
		Task:         o.Task,
		ImageSize:    o.ImageSize,
		BatchSize:    o.BatchSize,
		Opset:        o.Opset,
		Precision:    o.Precision,
		Device:       o.Device,
		DynamicBatch: o.DynamicBatch,
		InputNames:   []string{InputName},
		OutputNames:  o.Task.OutputNames(),
		InputShape:   []int64{int64(o.BatchSize), 3, int64(o.ImageSize.H), int64(o.ImageSize.W)},
	}
	if o.DynamicBatch {
		p.DynamicAxes = make(map[string]map[int]string)
		for _, name := range slices.Concat(p.InputNames, p.OutputNames) {
			p.DynamicAxes[name] = map[int]string{0: BatchAxis}
		}
	}
	return p, nil
}

func (p Plan) Request(model, outputPath string) iface.ExportRequest {
	req := iface.ExportRequest{
		Model:        model,
		OutputPath:   outputPath,
		Task:         p.Task.String(),
		InputNames:   slices.Clone(p.InputNames),
		OutputNames:  slices.Clone(p.OutputNames),
		InputShape:   slices.Clone(p.InputShape),
		Opset:        p.Opset,
		Precision:    p.Precision.String(),
		Device:       p.Device.String(),
		DynamicBatch: p.DynamicBatch,
	}
	if p.DynamicAxes != nil {
		req.DynamicAxes = make(map[string]map[int]string, len(p.DynamicAxes))
		for k, v := range p.DynamicAxes {
			req.DynamicAxes[k] = maps.Clone(v)
		}
	}
	return req
}

// DummyInput returns a standard-normal float32 tensor with the plan's input
// shape. The same seed always gives the same values. DummyData holds the
// same values in the plan's precision.
func (p Plan) DummyInput(seed uint64) imgproc.Tensor {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	t := imgproc.NewTensor(p.InputShape...)
	for i := range t.Data {
		t.Data[i] = float32(r.NormFloat64())
	}
	return t
}

// DummyData is DummyInput stored in the plan precision: []float32,
// []float16.Float16 or []int8.
func (p Plan) DummyData(seed uint64) any {
	return p.Precision.Convert(p.DummyInput(seed))
}
