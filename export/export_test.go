package export

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	iface "WaffleDeploy/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExporter struct {
	got   iface.ExportRequest
	write []byte
	err   error
}

func (f *fakeExporter) ExportGraph(ctx context.Context, req iface.ExportRequest) error {
	f.got = req
	if f.write != nil {
		if err := os.WriteFile(req.OutputPath, f.write, 0o644); err != nil {
			return err
		}
	}
	return f.err
}

func TestExport(t *testing.T) {
	p, err := NewPlan(detectionOptions())
	require.NoError(t, err)
	out := filepath.Join(t.TempDir(), "models", "model.onnx")

	fx := &fakeExporter{write: []byte("graph")}
	path, err := Export(context.Background(), fx, "best.pt", p, out)
	require.NoError(t, err)
	assert.Equal(t, out, path)
	assert.NotEqual(t, out, fx.got.OutputPath)
	assert.Equal(t, []string{"bbox", "conf", "class_id"}, fx.got.OutputNames)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "graph", string(data))

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExport_NoPartialOutput(t *testing.T) {
	p, err := NewPlan(detectionOptions())
	require.NoError(t, err)
	dir := t.TempDir()
	out := filepath.Join(dir, "model.onnx")

	boom := errors.New("tracer crashed")
	_, err = Export(context.Background(), &fakeExporter{write: []byte("half"), err: boom}, "m", p, out)
	assert.True(t, errors.Is(err, boom))
	assert.NoFileExists(t, out)

	_, err = Export(context.Background(), &fakeExporter{}, "m", p, out)
	assert.Error(t, err)
	assert.NoFileExists(t, out)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExport_UnsupportedTask(t *testing.T) {
	fx := &fakeExporter{write: []byte("graph")}
	out := filepath.Join(t.TempDir(), "model.onnx")
	_, err := Export(context.Background(), fx, "m", Plan{Task: Task(99)}, out)
	assert.True(t, errors.Is(err, ErrUnsupportedTask))
	assert.Empty(t, fx.got.OutputPath)
	assert.NoFileExists(t, out)

	_, err = Export(context.Background(), nil, "m", Plan{Task: Classification}, out)
	assert.Error(t, err)
}

func TestCommandExporter(t *testing.T) {
	o := detectionOptions()
	o.Task = TextRecognition
	o.DynamicBatch = true
	p, err := NewPlan(o)
	require.NoError(t, err)
	out := filepath.Join(t.TempDir(), "ocr.onnx")

	// the "exporter" just stores its request as the graph
	ex := CommandExporter{Command: []string{"sh", "-c", `cat > "$` + OutputEnv + `"`}}
	_, err = Export(context.Background(), ex, "ocr.ckpt", p, out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var req iface.ExportRequest
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, "text_recognition", req.Task)
	assert.Equal(t, []string{"class_ids", "confs"}, req.OutputNames)
	assert.Equal(t, "batch_size", req.DynamicAxes["confs"][0])
	assert.Equal(t, "ocr.ckpt", req.Model)
}

func TestCommandExporter_Failure(t *testing.T) {
	ex := CommandExporter{Command: []string{"sh", "-c", "echo loading; echo 'bad checkpoint' >&2; exit 3"}}
	err := ex.ExportGraph(context.Background(), iface.ExportRequest{OutputPath: filepath.Join(t.TempDir(), "x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad checkpoint")

	assert.Error(t, CommandExporter{}.ExportGraph(context.Background(), iface.ExportRequest{}))
}
