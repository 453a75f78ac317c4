package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "WaffleDeploy/Adhoc"
	"WaffleDeploy/api"
	"WaffleDeploy/export"
	backend "WaffleDeploy/gRPC"
	"WaffleDeploy/logger"
	"WaffleDeploy/monitor"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var httpPort, rpcPort, metricsPort int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health service and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			override(cmd, "http-port", &cfg.Server.HTTPPort, httpPort)
			override(cmd, "rpc-port", &cfg.Server.RPCPort, rpcPort)
			override(cmd, "metrics-port", &cfg.Server.MetricsPort, metricsPort)
			return serve(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.IntVar(&httpPort, "http-port", cfg.Server.HTTPPort, "HTTP API port")
	f.IntVar(&rpcPort, "rpc-port", cfg.Server.RPCPort, "gRPC port")
	f.IntVar(&metricsPort, "metrics-port", cfg.Server.MetricsPort, "Prometheus metrics port")
	return cmd
}

func serve(parent context.Context) error {
	log := logger.Log()
	device, err := export.ParseDevice(cfg.Export.Device)
	if err != nil {
		return err
	}
	ip, ipErr := GetOutboundIP()
	if ipErr != nil {
		log.Warn("failed to get outbound IP, using loopback", zap.Error(ipErr))
		ip = "127.0.0.1"
	}
	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println(" Outbound IP:", ip)
	fmt.Println("   HTTP Port:", cfg.Server.HTTPPort)
	fmt.Println("   gRPC Port:", cfg.Server.RPCPort)
	fmt.Println("Metrics Port:", cfg.Server.MetricsPort)
	fmt.Println(strings.Repeat("#", 64))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := monitor.StartMon(ctx, cfg.Server.MetricsPort); err != nil {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	server, err := backend.StartGRPCServer(cfg.Server.RPCPort)
	if err != nil {
		stop()
		wg.Wait()
		return err
	}
	defer server.Stop()

	if cfg.Registry.Enabled {
		client := adhoc.NewClient(cfg.Registry.Host, cfg.Registry.Port, ip, cfg.Server.RPCPort, adhoc.InstanceClass(device))
		wg.Add(1)
		go client.SendAliveMessage(ctx, time.Duration(cfg.Registry.IntervalSeconds)*time.Second, &wg)
	} else {
		log.Info("registry disabled, skipping registration")
	}

	s := &api.Server{Decoder: decoderFor(cfg.Dataset.Backend), Workers: cfg.Dataset.Workers, Root: cfg.Dataset.Dir}
	err = s.Serve(ctx, cfg.Server.HTTPPort)
	stop()
	wg.Wait()
	log.Info("safely exited")
	return err
}
