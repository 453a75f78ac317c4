package export

import (
	"errors"
	"testing"

	"WaffleDeploy/imgproc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func detectionOptions() Options {
	o := DefaultOptions()
	o.Task = ObjectDetection
	o.ImageSize = imgproc.Size{W: 640, H: 384}
	return o
}

func TestNewPlan(t *testing.T) {
	p, err := NewPlan(detectionOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"inputs"}, p.InputNames)
	assert.Equal(t, []string{"bbox", "conf", "class_id"}, p.OutputNames)
	assert.Equal(t, []int64{16, 3, 384, 640}, p.InputShape)
	assert.Equal(t, 11, p.Opset)
	assert.Nil(t, p.DynamicAxes)

	req := p.Request("best.pt", "/tmp/out.onnx")
	assert.Equal(t, "object_detection", req.Task)
	assert.Equal(t, "fp32", req.Precision)
	assert.Equal(t, "cuda:0", req.Device)
	assert.Equal(t, "best.pt", req.Model)
	assert.Nil(t, req.DynamicAxes)
}

func TestNewPlan_DynamicBatch(t *testing.T) {
	o := detectionOptions()
	o.Task = InstanceSegmentation
	o.DynamicBatch = true
	p, err := NewPlan(o)
	require.NoError(t, err)
	require.Len(t, p.DynamicAxes, 5)
	for _, name := range []string{"inputs", "bbox", "conf", "class_id", "masks"} {
		assert.Equal(t, map[int]string{0: "batch_size"}, p.DynamicAxes[name])
	}

	req := p.Request("m", "o")
	req.DynamicAxes["inputs"][0] = "n"
	assert.Equal(t, "batch_size", p.DynamicAxes["inputs"][0])
}

func TestNewPlan_Rejects(t *testing.T) {
	o := detectionOptions()
	o.Task = Task(42)
	_, err := NewPlan(o)
	assert.True(t, errors.Is(err, ErrUnsupportedTask))

	o = detectionOptions()
	o.Precision = Precision(9)
	_, err = NewPlan(o)
	assert.True(t, errors.Is(err, ErrUnknownPrecision))

	o = detectionOptions()
	o.ImageSize = imgproc.Size{}
	_, err = NewPlan(o)
	assert.True(t, errors.Is(err, imgproc.ErrInvalidSize))

	o = detectionOptions()
	o.BatchSize = 0
	_, err = NewPlan(o)
	assert.Error(t, err)

	o = detectionOptions()
	o.Opset = -1
	_, err = NewPlan(o)
	assert.Error(t, err)
}

func TestPlan_DummyInput(t *testing.T) {
	o := detectionOptions()
	o.BatchSize = 2
	o.ImageSize = imgproc.Size{W: 8, H: 4}
	p, err := NewPlan(o)
	require.NoError(t, err)

	a := p.DummyInput(7)
	b := p.DummyInput(7)
	c := p.DummyInput(8)
	assert.Equal(t, []int64{2, 3, 4, 8}, a.Shape)
	assert.Len(t, a.Data, 192)
	assert.Equal(t, a.Data, b.Data)
	assert.NotEqual(t, a.Data, c.Data)
}

func TestPlan_DummyData(t *testing.T) {
	o := detectionOptions()
	o.BatchSize = 1
	o.ImageSize = imgproc.Size{W: 4, H: 4}

	for _, prec := range []Precision{FP32, FP16, INT8} {
		t.Run(prec.String(), func(t *testing.T) {
			o.Precision = prec
			p, err := NewPlan(o)
			require.NoError(t, err)
			ref := p.DummyInput(3)
			switch data := p.DummyData(3).(type) {
			case []float32:
				assert.Equal(t, FP32, prec)
				assert.Equal(t, ref.Data, data)
			case []float16.Float16:
				assert.Equal(t, FP16, prec)
				require.Len(t, data, 48)
				assert.InDelta(t, ref.Data[0], data[0].Float32(), 0.01)
			case []int8:
				assert.Equal(t, INT8, prec)
				assert.Len(t, data, 48)
			default:
				t.Fatalf("unexpected storage %T", data)
			}
		})
	}
}
