package engine

import (
	"errors"
	"fmt"
	"slices"

	iface "WaffleDeploy/interface"

	ort "github.com/yalue/onnxruntime_go"
)

var ErrGraphParse = errors.New("failed to load ONNX graph")

// OrtInspector reads graph inputs and outputs through ONNX Runtime. The
// runtime environment must be initialised (see InitRuntime).
type OrtInspector struct{}

func (OrtInspector) Inspect(path string) (iface.GraphInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return iface.GraphInfo{}, fmt.Errorf("%w: %s: %w", ErrGraphParse, path, err)
	}
	return iface.GraphInfo{
		Inputs:  tensorInfos(inputs),
		Outputs: tensorInfos(outputs),
	}, nil
}

func tensorInfos(in []ort.InputOutputInfo) []iface.TensorInfo {
	out := make([]iface.TensorInfo, len(in))
	for i, info := range in {
		out[i] = iface.TensorInfo{
			Name:     info.Name,
			Shape:    []int64(info.Dimensions.Clone()),
			DataType: info.DataType.String(),
		}
	}
	return out
}

func names(infos []iface.TensorInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

// CheckOutputs reports an error when the graph's outputs differ from want.
func CheckOutputs(info iface.GraphInfo, want []string) error {
	if got := names(info.Outputs); !slices.Equal(got, want) {
		return fmt.Errorf("graph has outputs %v, want %v", got, want)
	}
	return nil
}
