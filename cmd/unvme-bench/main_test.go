package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-unvme"
	"github.com/ehrlich-b/go-unvme/internal/config"
	"github.com/ehrlich-b/go-unvme/internal/logging"
)

func openBench(t *testing.T, cfg *config.Config) (*unvme.Device, unvme.Hardware, chan unvme.Batch) {
	t.Helper()
	cfg.Log.Level = "error"
	require.NoError(t, cfg.Validate())

	hwr, release, err := openTarget(cfg, logging.Nop())
	require.NoError(t, err)

	batches := make(chan unvme.Batch, 4)
	dev, err := unvme.Open(context.Background(), cfg.Params(), hwr, &unvme.Options{
		Logger:  logging.Nop(),
		OnBatch: func(_ uint16, b unvme.Batch) { batches <- b },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, unvme.Shutdown(context.Background(), dev))
		release()
	})
	return dev, hwr, batches
}

func benchConfig() *config.Config {
	cfg := config.Default()
	cfg.Target.Size = 4 << 20
	cfg.Device.Queues = 2
	cfg.Device.QueueDepth = 64
	return cfg
}

func TestVerifyWorkload(t *testing.T) {
	cfg := benchConfig()
	cfg.Bench.IOSize = 8192
	dev, hwr, batches := openBench(t, cfg)

	require.NoError(t, run(context.Background(), cfg, dev, hwr, batches, logging.Nop()))
	s := dev.MetricsSnapshot()
	assert.Equal(t, s.WriteOps, s.ReadOps)
	assert.NotZero(t, s.WriteOps)
	assert.Equal(t, uint64(1), s.FlushOps)
}

func TestBatchWorkload(t *testing.T) {
	cfg := benchConfig()
	cfg.Bench.Workload = config.WorkloadBatch
	cfg.Bench.BatchSize = 32
	dev, hwr, batches := openBench(t, cfg)

	require.NoError(t, batchReads(context.Background(), dev, hwr, 32, batches))
	assert.Equal(t, uint64(32), dev.MetricsSnapshot().ReadOps)

	err := batchReads(context.Background(), dev, hwr, 64, batches)
	assert.ErrorContains(t, err, "exceeds queue capacity")
}

func TestRandReadWorkload(t *testing.T) {
	cfg := benchConfig()
	dev, _, _ := openBench(t, cfg)

	require.NoError(t, randRead(context.Background(), dev, 4096, 3, 50*time.Millisecond))
	s := dev.MetricsSnapshot()
	assert.NotZero(t, s.ReadOps)
	assert.Zero(t, s.ReadErrors)
}

func TestStatusServer(t *testing.T) {
	dev, _, _ := openBench(t, benchConfig())
	srv := serveStatus("127.0.0.1:0", dev, logging.Nop())
	defer srv.Close()

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info unvme.DeviceInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, 2, info.NumQueues)
	assert.True(t, info.Running)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "unvme_up"))
}
