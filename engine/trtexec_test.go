package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	iface "WaffleDeploy/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrtexecCompiler_Args(t *testing.T) {
	req := buildOptions().Request("/models/m.onnx", detectionGraph())
	c := TrtexecCompiler{ExtraArgs: []string{"--verbose"}}
	assert.Equal(t, []string{
		"--onnx=/models/m.onnx",
		"--saveEngine=/tmp/m.engine",
		"--memPoolSize=workspace:4096M",
		"--fp16",
		"--minShapes=inputs:1x3x640x640",
		"--optShapes=inputs:8x3x640x640",
		"--maxShapes=inputs:16x3x640x640",
		"--device=0",
		"--verbose",
	}, c.Args(req, "/tmp/m.engine"))

	static := iface.CompileRequest{GraphPath: "m.onnx", INT8: true, Device: "cuda:1"}
	assert.Equal(t, []string{"--onnx=m.onnx", "--saveEngine=e", "--int8", "--device=1"}, TrtexecCompiler{}.Args(static, "e"))
}

func fakeTrtexec(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trtexec")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestTrtexecCompiler_Compile(t *testing.T) {
	req := buildOptions().Request("m.onnx", detectionGraph())

	t.Run("success", func(t *testing.T) {
		bin := fakeTrtexec(t, `for a in "$@"; do
  case "$a" in --saveEngine=*) printf 'engine-bytes' > "${a#--saveEngine=}" ;; esac
done
echo "&&&& PASSED"
`)
		out, err := TrtexecCompiler{Path: bin}.Compile(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "engine-bytes", string(out))
	})

	t.Run("non-zero exit", func(t *testing.T) {
		bin := fakeTrtexec(t, "echo 'loading'\necho '[E] Network has dynamic inputs'\nexit 3\n")
		_, err := TrtexecCompiler{Path: bin}.Compile(context.Background(), req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "code 3")
		assert.Contains(t, err.Error(), "[E] Network has dynamic inputs")
	})

	t.Run("cpu device", func(t *testing.T) {
		cpu := req
		cpu.Device = "cpu"
		_, err := TrtexecCompiler{Path: "/does/not/matter"}.Compile(context.Background(), cpu)
		assert.Error(t, err)
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := TrtexecCompiler{Path: filepath.Join(t.TempDir(), "trtexec")}.Compile(context.Background(), req)
		assert.Error(t, err)
	})
}
