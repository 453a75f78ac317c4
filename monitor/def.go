package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"WaffleDeploy/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var Registry = prometheus.NewRegistry()

var (
	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_megabytes",
		Help: "Resident memory of the process in megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage of the process in percent",
	})

	ImagesDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "images_decoded_total",
		Help: "Images decoded and letterboxed",
	})
	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_decode_errors_total",
		Help: "Images that failed to decode",
	})
	BatchesProduced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batches_produced_total",
		Help: "Batches handed to consumers",
	})
	ArtifactsBuilt = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_artifacts_built_total",
		Help: "Engine artifacts written",
	})
	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})
)

func init() {
	Registry.MustRegister(memUsage, cpuUsage, ImagesDecoded, DecodeErrors, BatchesProduced, ArtifactsBuilt, GRPCTotal, HTTPRequests)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// CheckProcessInfo samples memory and CPU of p into the gauges.
func CheckProcessInfo(p *process.Process) error {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return err
	}
	memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	return nil
}

// StartMon serves /metrics on port and samples the process every 500ms until
// ctx is cancelled.
func StartMon(ctx context.Context, port int) error {
	pid, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("inspect own process: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Log().Info("metrics server listening", zap.Int("port", port))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			if err := CheckProcessInfo(pid); err != nil {
				logger.Log().Debug("process sample failed", zap.Error(err))
			}
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
