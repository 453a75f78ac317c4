package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"WaffleDeploy/config"
	"WaffleDeploy/cvimage"
	"WaffleDeploy/imgproc"
	"WaffleDeploy/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgPath string
	cfg     = config.Default()
)

func GetOutboundIP() (string, error) {
	// UDP dial sends nothing; it only resolves the route to pick the local address
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

// override copies a flag value over the config when the flag was given.
func override[T any](cmd *cobra.Command, name string, dst *T, v T) {
	if cmd.Flags().Changed(name) {
		*dst = v
	}
}

func decoderFor(backend string) imgproc.Decoder {
	if backend == config.BackendOpenCV {
		return cvimage.Decoder{}
	}
	return imgproc.NativeDecoder{}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "waffle",
		Short:         "Image preprocessing, model export and engine build tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return logger.Init(cfg.Log.Mode, cfg.Log.Level)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML or TOML config file")
	root.AddCommand(
		newServeCmd(),
		newBatchesCmd(),
		newLetterboxCmd(),
		newExportCmd(),
		newBuildCmd(),
		newInspectCmd(),
		newRunCmd(),
	)
	return root
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err != nil {
		logger.Log().Error("command failed", zap.Error(err))
		logger.Sync()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	logger.Sync()
}
