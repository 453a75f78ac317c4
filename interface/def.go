package iface

// ExportRequest is everything a graph exporter needs to trace a model. It is
// serialised as JSON for exporters running out of process.
type ExportRequest struct {
	Model        string                    `json:"model"`
	OutputPath   string                    `json:"output_path"`
	Task         string                    `json:"task"`
	InputNames   []string                  `json:"input_names"`
	OutputNames  []string                  `json:"output_names"`
	InputShape   []int64                   `json:"input_shape"`
	Opset        int                       `json:"opset_version"`
	Precision    string                    `json:"precision"`
	Device       string                    `json:"device"`
	DynamicBatch bool                      `json:"dynamic_batch"`
	DynamicAxes  map[string]map[int]string `json:"dynamic_axes,omitempty"`
}

type TensorInfo struct {
	Name     string  `json:"name"`
	Shape    []int64 `json:"shape"`
	DataType string  `json:"dtype"`
}

type GraphInfo struct {
	Inputs  []TensorInfo `json:"inputs"`
	Outputs []TensorInfo `json:"outputs"`
}

// ShapeProfile is an optimization profile for one dynamic input.
type ShapeProfile struct {
	Input string  `json:"input"`
	Min   []int64 `json:"min"`
	Opt   []int64 `json:"opt"`
	Max   []int64 `json:"max"`
}

type CompileRequest struct {
	GraphPath      string         `json:"graph_path"`
	WorkspaceBytes int64          `json:"workspace_bytes"`
	FP16           bool           `json:"fp16"`
	INT8           bool           `json:"int8"`
	Profiles       []ShapeProfile `json:"profiles,omitempty"`
	Device         string         `json:"device"`
}
