package Adhoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"WaffleDeploy/engine"
	"WaffleDeploy/export"
	"WaffleDeploy/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	TimeOutSeconds = 5
)

// InstanceClass maps the device this node exports and builds on to the
// class reported to the hub.
func InstanceClass(d export.Device) int {
	if d.IsCPU() {
		return CpuInstance
	}
	return CudaInstance
}

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	InstanceClass int    `json:"instanceClass"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type ArtifactReport struct {
	Instance  string          `json:"instance"`
	Path      string          `json:"path"`
	SizeBytes int64           `json:"sizeBytes"`
	Metadata  engine.Metadata `json:"metadata"`
}

// Client talks to the registration hub.
type Client struct {
	ID            string
	IP            string
	Port          int
	InstanceClass int
	http          *resty.Client
}

func NewClient(host string, port int, ip string, rpcPort int, instanceClass int) *Client {
	return &Client{
		ID:            uuid.NewString(),
		IP:            ip,
		Port:          rpcPort,
		InstanceClass: instanceClass,
		http: resty.New().
			SetBaseURL(fmt.Sprintf("http://%s:%d", host, port)).
			SetTimeout(TimeOutSeconds * time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var respBody RegisterResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&respBody).
		Post(path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("hub returned %s: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("hub rejected %s", path)
	}
	return nil
}

// Register sends one heartbeat.
func (c *Client) Register(ctx context.Context) error {
	return c.post(ctx, "/api/register", RegisterRequest{
		Id:            c.ID,
		IP:            c.IP,
		Port:          c.Port,
		InstanceClass: c.InstanceClass,
		TimeStamp:     time.Now().Unix(),
	})
}

// ReportArtifact tells the hub about a freshly built engine artifact.
func (c *Client) ReportArtifact(ctx context.Context, meta engine.Metadata, path string, size int64) error {
	return c.post(ctx, "/api/artifacts", ArtifactReport{
		Instance:  c.ID,
		Path:      path,
		SizeBytes: size,
		Metadata:  meta,
	})
}

// SendAliveMessage registers immediately and then every interval until ctx
// is cancelled. Failures are logged and retried on the next tick.
func (c *Client) SendAliveMessage(ctx context.Context, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		if err := c.Register(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Warn("heartbeat failed", zap.String("id", c.ID), zap.Error(err))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
