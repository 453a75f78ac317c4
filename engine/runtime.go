package engine

import (
	"WaffleDeploy/logger"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// InitRuntime loads the ONNX Runtime shared library. An empty libPath uses
// the platform default search path.
func InitRuntime(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}
	logger.Log().Info("ONNX Runtime initialised", zap.String("lib", libPath))
	return nil
}

func DestroyRuntime() {
	if !ort.IsInitialized() {
		return
	}
	if err := ort.DestroyEnvironment(); err != nil {
		logger.Log().Warn("destroy ONNX Runtime environment", zap.Error(err))
	}
}
