package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"WaffleDeploy/export"
	"WaffleDeploy/imgproc"
	iface "WaffleDeploy/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	info iface.GraphInfo
	err  error
}

func (f fakeInspector) Inspect(path string) (iface.GraphInfo, error) {
	return f.info, f.err
}

type fakeCompiler struct {
	got    iface.CompileRequest
	engine []byte
	err    error
}

func (f *fakeCompiler) Compile(ctx context.Context, req iface.CompileRequest) ([]byte, error) {
	f.got = req
	return f.engine, f.err
}

func detectionGraph() iface.GraphInfo {
	return iface.GraphInfo{
		Inputs: []iface.TensorInfo{{Name: "inputs", Shape: []int64{-1, 3, 640, 640}, DataType: "float32"}},
		Outputs: []iface.TensorInfo{
			{Name: "bbox", Shape: []int64{-1, 100, 4}},
			{Name: "conf", Shape: []int64{-1, 100}},
			{Name: "class_id", Shape: []int64{-1, 100}},
		},
	}
}

func buildOptions() Options {
	o := DefaultOptions()
	o.ImageSize = imgproc.Size{W: 640, H: 640}
	o.DynamicBatch = true
	o.Precision = export.FP16
	return o
}

func TestOptions(t *testing.T) {
	o := buildOptions()
	require.NoError(t, o.Validate())
	assert.Equal(t, int64(4<<30), o.WorkspaceBytes())

	t.Run("profiles", func(t *testing.T) {
		p := o.Profiles(detectionGraph().Inputs)
		require.Len(t, p, 1)
		assert.Equal(t, "inputs", p[0].Input)
		assert.Equal(t, []int64{1, 3, 640, 640}, p[0].Min)
		assert.Equal(t, []int64{8, 3, 640, 640}, p[0].Opt)
		assert.Equal(t, []int64{16, 3, 640, 640}, p[0].Max)

		static := o
		static.DynamicBatch = false
		assert.Nil(t, static.Profiles(detectionGraph().Inputs))
	})

	t.Run("precision flags", func(t *testing.T) {
		for p, want := range map[export.Precision][2]bool{
			export.FP32: {false, false},
			export.FP16: {true, false},
			export.INT8: {false, true},
		} {
			o := buildOptions()
			o.Precision = p
			req := o.Request("m.onnx", detectionGraph())
			assert.Equal(t, want, [2]bool{req.FP16, req.INT8}, p.String())
		}
	})

	t.Run("invalid", func(t *testing.T) {
		bad := []func(*Options){
			func(o *Options) { o.ImageSize = imgproc.Size{} },
			func(o *Options) { o.BatchSize = 0 },
			func(o *Options) { o.WorkspaceGiB = 0 },
			func(o *Options) { o.Precision = export.Precision(42) },
		}
		for i, mutate := range bad {
			o := buildOptions()
			mutate(&o)
			assert.Error(t, o.Validate(), "case %d", i)
		}
	})
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	enginePath := filepath.Join(dir, "model.engine")
	comp := &fakeCompiler{engine: []byte("serialized")}

	meta, err := Build(context.Background(), fakeInspector{info: detectionGraph()}, comp,
		"model.onnx", enginePath, buildOptions(), Metadata{Task: "object_detection"})
	require.NoError(t, err)

	assert.NotEmpty(t, meta.ID)
	assert.False(t, meta.CreatedAt.IsZero())
	assert.Equal(t, "object_detection", meta.Task)
	assert.Equal(t, "fp16", meta.Precision)
	assert.Equal(t, [2]int{640, 640}, meta.ImageSize)
	assert.Equal(t, 16, meta.BatchSize)
	assert.True(t, meta.DynamicBatch)
	assert.Equal(t, []string{"inputs"}, meta.InputNames)
	assert.Equal(t, []string{"bbox", "conf", "class_id"}, meta.OutputNames)
	assert.Equal(t, "cuda:0", meta.Device)

	assert.Equal(t, "model.onnx", comp.got.GraphPath)
	assert.True(t, comp.got.FP16)
	assert.Len(t, comp.got.Profiles, 1)

	stored, engine, err := ReadArtifactFile(enginePath)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, stored.ID)
	assert.Equal(t, "serialized", string(engine))
}

func TestBuild_Failures(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("unparseable graph", func(t *testing.T) {
		_, err := Build(ctx, fakeInspector{err: errors.New("protobuf: bad wire type")}, &fakeCompiler{},
			"broken.onnx", filepath.Join(dir, "a.engine"), buildOptions(), Metadata{})
		assert.True(t, errors.Is(err, ErrGraphParse))
		assert.Contains(t, err.Error(), "broken.onnx")
	})

	t.Run("compiler error", func(t *testing.T) {
		boom := errors.New("out of memory")
		_, err := Build(ctx, fakeInspector{info: detectionGraph()}, &fakeCompiler{err: boom},
			"m.onnx", filepath.Join(dir, "b.engine"), buildOptions(), Metadata{})
		assert.True(t, errors.Is(err, boom))
	})

	t.Run("empty engine", func(t *testing.T) {
		_, err := Build(ctx, fakeInspector{info: detectionGraph()}, &fakeCompiler{},
			"m.onnx", filepath.Join(dir, "c.engine"), buildOptions(), Metadata{})
		assert.Error(t, err)
		assert.NoFileExists(t, filepath.Join(dir, "c.engine"))
	})

	t.Run("missing collaborators", func(t *testing.T) {
		_, err := Build(ctx, nil, nil, "m.onnx", filepath.Join(dir, "d.engine"), buildOptions(), Metadata{})
		assert.Error(t, err)
	})
}

func TestCheckOutputs(t *testing.T) {
	info := detectionGraph()
	assert.NoError(t, CheckOutputs(info, export.ObjectDetection.OutputNames()))
	assert.Error(t, CheckOutputs(info, export.Classification.OutputNames()))
}
