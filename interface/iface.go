package iface

import "context"

// GraphExporter turns a trained model into an interchange graph file at
// req.OutputPath.
type GraphExporter interface {
	ExportGraph(ctx context.Context, req ExportRequest) error
}

// GraphInspector parses a graph file and reports its inputs and outputs.
type GraphInspector interface {
	Inspect(path string) (GraphInfo, error)
}

// EngineCompiler builds a serialized inference engine from a graph file.
type EngineCompiler interface {
	Compile(ctx context.Context, req CompileRequest) ([]byte, error)
}
