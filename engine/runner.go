package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	"WaffleDeploy/export"
	"WaffleDeploy/imgproc"
	"WaffleDeploy/logger"

	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

const (
	UNREGISTERED = 0x0001
	REGISTERED   = 0x0002
	IDLE         = 0x0003
	BUSY         = 0x0004
)

type Output struct {
	Shape []int64
	Data  []float32
}

// Runner executes an exported graph on image batches with ONNX Runtime.
type Runner struct {
	mu          sync.Mutex
	ModelPath   string
	InputNames  []string
	OutputNames []string
	Precision   export.Precision
	State       int
	session     *ort.DynamicAdvancedSession
	options     *ort.SessionOptions
}

// New prepares session options; an accelerator device enables the CUDA
// execution provider.
func (r *Runner) New(device export.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !ort.IsInitialized() {
		return errors.New("ONNX Runtime not initialised")
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("create session options: %w", err)
	}
	if !device.IsCPU() {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return fmt.Errorf("create CUDA provider options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": fmt.Sprint(device.Index)}); err != nil {
			opts.Destroy()
			return err
		}
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			opts.Destroy()
			return err
		}
	}
	if r.session != nil {
		_ = r.session.Destroy()
		r.session = nil
	}
	if r.options != nil {
		_ = r.options.Destroy()
	}
	r.options = opts
	r.State = REGISTERED
	return nil
}

// Load opens the graph at modelPath with the names and precision of plan.
func (r *Runner) Load(modelPath string, plan export.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.options == nil {
		return errors.New("runner not registered")
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath, plan.InputNames, plan.OutputNames, r.options)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrGraphParse, modelPath, err)
	}
	if r.session != nil {
		_ = r.session.Destroy()
	}
	r.session = session
	r.ModelPath = modelPath
	r.InputNames = slices.Clone(plan.InputNames)
	r.OutputNames = slices.Clone(plan.OutputNames)
	r.Precision = plan.Precision
	r.State = IDLE
	logger.Log().Info("graph loaded", zap.String("path", modelPath), zap.Strings("outputs", r.OutputNames))
	return nil
}

// Run feeds a (B, 3, H, W) batch to the graph and returns every output by name.
func (r *Runner) Run(images imgproc.Tensor) (map[string]Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.options == nil:
		return nil, errors.New("runner not registered")
	case r.session == nil:
		return nil, errors.New("model not loaded")
	}
	r.State = BUSY
	defer func() { r.State = IDLE }()

	input, err := newInput(images, r.Precision)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	outputs := make([]ort.Value, len(r.OutputNames))
	if err := r.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("run %s: %w", r.ModelPath, err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	result := make(map[string]Output, len(outputs))
	for i, v := range outputs {
		o, err := toOutput(v)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", r.OutputNames[i], err)
		}
		result[r.OutputNames[i]] = o
	}
	return result, nil
}

// RunPadded runs a batch on a graph with a fixed batch axis of size batch.
// A short batch is zero-padded up to batch and the outputs are cut back to
// the real number of images.
func (r *Runner) RunPadded(images imgproc.Tensor, batch int64) (map[string]Output, error) {
	n := images.Shape[0]
	padded, err := PadBatch(images, batch)
	if err != nil {
		return nil, err
	}
	outputs, err := r.Run(padded)
	if err != nil {
		return nil, err
	}
	for name, o := range outputs {
		outputs[name] = o.Head(n)
	}
	return outputs, nil
}

// PadBatch grows a (b, ...) tensor to (size, ...) with zero rows.
func PadBatch(t imgproc.Tensor, size int64) (imgproc.Tensor, error) {
	if len(t.Shape) == 0 {
		return imgproc.Tensor{}, errors.New("pad batch: tensor has no batch axis")
	}
	b := t.Shape[0]
	if b > size {
		return imgproc.Tensor{}, fmt.Errorf("batch of %d exceeds the graph batch size %d", b, size)
	}
	if b == size {
		return t, nil
	}
	shape := slices.Clone(t.Shape)
	shape[0] = size
	out := imgproc.NewTensor(shape...)
	copy(out.Data, t.Data)
	return out, nil
}

// Head keeps the first n entries along the batch axis.
func (o Output) Head(n int64) Output {
	if len(o.Shape) == 0 || o.Shape[0] <= n || o.Shape[0] == 0 {
		return o
	}
	row := int64(len(o.Data)) / o.Shape[0]
	shape := slices.Clone(o.Shape)
	shape[0] = n
	return Output{Shape: shape, Data: o.Data[:n*row]}
}

// Warmup runs the graph n times on random input shaped like plan's.
func (r *Runner) Warmup(plan export.Plan, n int) error {
	for i := range n {
		if _, err := r.Run(plan.DummyInput(uint64(i))); err != nil {
			return fmt.Errorf("warmup %d: %w", i, err)
		}
	}
	return nil
}

func (r *Runner) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		_ = r.session.Destroy()
	}
	if r.options != nil {
		_ = r.options.Destroy()
	}
	r.session = nil
	r.options = nil
	r.ModelPath = ""
	r.InputNames = nil
	r.OutputNames = nil
	r.State = UNREGISTERED
}

func newInput(t imgproc.Tensor, p export.Precision) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch p {
	case export.FP16:
		return ort.NewCustomDataTensor(shape, p.Bytes(t), p.ElementType())
	case export.INT8:
		return ort.NewTensor(shape, t.Int8(export.Int8Scale))
	default:
		return ort.NewTensor(shape, t.Data)
	}
}

func toOutput(v ort.Value) (Output, error) {
	if v == nil {
		return Output{}, errors.New("missing output")
	}
	o := Output{Shape: []int64(v.GetShape().Clone())}
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		o.Data = slices.Clone(t.GetData())
	case *ort.Tensor[float64]:
		o.Data = convert(t.GetData())
	case *ort.Tensor[int64]:
		o.Data = convert(t.GetData())
	case *ort.Tensor[int32]:
		o.Data = convert(t.GetData())
	case *ort.Tensor[uint8]:
		o.Data = convert(t.GetData())
	case *ort.Tensor[int8]:
		o.Data = convert(t.GetData())
	case *ort.Tensor[bool]:
		o.Data = convertBool(t.GetData())
	case *ort.CustomDataTensor:
		if t.DataType() != ort.TensorElementDataTypeFloat16 {
			return Output{}, fmt.Errorf("unsupported custom output element type %v", t.DataType())
		}
		data, err := halfToFloat32(t.GetData())
		if err != nil {
			return Output{}, err
		}
		o.Data = data
	default:
		return Output{}, fmt.Errorf("unsupported output type %T", v)
	}
	return o, nil
}

// halfToFloat32 decodes little-endian IEEE half floats.
func halfToFloat32(b []byte) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("fp16 buffer has odd length %d", len(b))
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
	}
	return out, nil
}

func convertBool(in []bool) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		if v {
			out[i] = 1
		}
	}
	return out
}

func convert[T float64 | int64 | int32 | uint8 | int8](in []T) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
