package Adhoc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"WaffleDeploy/engine"
	"WaffleDeploy/export"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hubClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewClient(u.Hostname(), port, "10.1.2.3", 50051, CudaInstance)
}

func TestInstanceClass(t *testing.T) {
	assert.Equal(t, CpuInstance, InstanceClass(export.Device{Kind: export.CPU}))
	assert.Equal(t, CudaInstance, InstanceClass(export.DefaultDevice))
}

func TestClient_Register(t *testing.T) {
	var got RegisterRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/register", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RegisterResponse{Id: got.Id, Success: true})
	}))
	defer srv.Close()

	c := hubClient(t, srv)
	require.NoError(t, c.Register(context.Background()))
	assert.Equal(t, c.ID, got.Id)
	assert.Equal(t, "10.1.2.3", got.IP)
	assert.Equal(t, 50051, got.Port)
	assert.Equal(t, CudaInstance, got.InstanceClass)
	assert.NotZero(t, got.TimeStamp)
}

func TestClient_ReportArtifact(t *testing.T) {
	var got ArtifactReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/artifacts", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := hubClient(t, srv)
	meta := engine.Metadata{ID: "abc", Precision: "fp16", ImageSize: [2]int{640, 640}}
	require.NoError(t, c.ReportArtifact(context.Background(), meta, "/out/m.engine", 1234))
	assert.Equal(t, c.ID, got.Instance)
	assert.Equal(t, "/out/m.engine", got.Path)
	assert.Equal(t, int64(1234), got.SizeBytes)
	assert.Equal(t, "abc", got.Metadata.ID)
	assert.Equal(t, [2]int{640, 640}, got.Metadata.ImageSize)
}

func TestClient_Errors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "hub down", http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		err := hubClient(t, srv).Register(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":false}`))
		}))
		defer srv.Close()
		assert.Error(t, hubClient(t, srv).Register(context.Background()))
	})
}

func TestSendAliveMessage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go hubClient(t, srv).SendAliveMessage(ctx, 20*time.Millisecond, &wg)

	assert.Eventually(t, func() bool { return hits.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
}
