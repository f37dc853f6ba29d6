package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/maxenergy/channelcore/internal/channel"
	"github.com/maxenergy/channelcore/internal/config"
	"github.com/maxenergy/channelcore/internal/pool"
	"github.com/maxenergy/channelcore/internal/quota"
	"github.com/maxenergy/channelcore/internal/resources"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// newTestApp builds a fully wired application without starting any of
// its background workers or servers.
func newTestApp(t *testing.T) *App {
	t.Helper()

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	cfg.Quota.Quotas = map[string]int64{"memory": 1000, "decoder": 4}
	cfg.Pools = []config.PoolConfig{
		{Type: "memory_buffer", InitialSize: 2, MaxSize: 4, BufferSize: 256},
	}
	cfg.Perf.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = false

	application := &App{
		config: cfg,
		logger: testLogger(),
	}
	require.NoError(t, application.initializeComponents())
	return application
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestBridgeSyncsChannelActivity(t *testing.T) {
	application := newTestApp(t)

	require.True(t, application.stateMachine.AddChannel(0, channel.DefaultReconnectionPolicy()))
	require.True(t, application.allocator.AddChannel(0, 1))

	// Activation flows through the bridge into the allocator
	require.True(t, application.stateMachine.SetState(0, channel.StateConnecting, "test"))
	require.True(t, application.stateMachine.SetState(0, channel.StateActive, "test"))
	snap, ok := application.allocator.GetChannel(0)
	require.True(t, ok)
	assert.True(t, snap.Active)

	require.True(t, application.stateMachine.SetState(0, channel.StateInactive, "test"))
	snap, _ = application.allocator.GetChannel(0)
	assert.False(t, snap.Active)
}

func TestBridgeAcquiresAndReleasesChannelResources(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Quota.Quotas = map[string]int64{"memory": 1000, "decoder": 4}
	cfg.Quota.ChannelGrants = map[string]int64{"memory": 100, "decoder": 1}
	cfg.Pools = []config.PoolConfig{
		{Type: "memory_buffer", InitialSize: 2, MaxSize: 4, BufferSize: 256},
	}
	cfg.Perf.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = false

	application := &App{config: cfg, logger: testLogger()}
	require.NoError(t, application.initializeComponents())

	require.True(t, application.stateMachine.AddChannel(0, channel.DefaultReconnectionPolicy()))
	require.True(t, application.allocator.AddChannel(0, 1))

	// Entering ACTIVE pulls the configured grants and a pool instance
	require.True(t, application.stateMachine.SetState(0, channel.StateConnecting, "test"))
	require.True(t, application.stateMachine.SetState(0, channel.StateActive, "test"))

	snap, ok := application.allocator.GetChannel(0)
	require.True(t, ok)
	assert.Positive(t, snap.Allocated[quota.ResourceMemory])
	assert.Positive(t, snap.Allocated[quota.ResourceDecoder])

	instances, ok := application.poolManager.GetInstances(pool.TypeMemoryBuffer)
	require.True(t, ok)
	busy := 0
	for _, inst := range instances {
		if inst.InUse {
			busy++
		}
	}
	assert.Equal(t, 1, busy)

	// An error hands everything back
	require.True(t, application.stateMachine.ReportError(0, "rtsp timeout"))

	snap, _ = application.allocator.GetChannel(0)
	assert.Zero(t, snap.Allocated[quota.ResourceMemory])
	assert.Zero(t, snap.Allocated[quota.ResourceDecoder])

	instances, _ = application.poolManager.GetInstances(pool.TypeMemoryBuffer)
	for _, inst := range instances {
		assert.False(t, inst.InUse)
	}
}

func TestHealthEndpoint(t *testing.T) {
	application := newTestApp(t)

	rec := doJSON(t, application.httpServer.Handler, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	application := newTestApp(t)

	rec := doJSON(t, application.httpServer.Handler, "GET", "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	for _, key := range []string{"channels", "quota", "pools", "resources"} {
		assert.Contains(t, body, key)
	}
}

func TestChannelEndpoints(t *testing.T) {
	application := newTestApp(t)
	handler := application.httpServer.Handler

	// Create
	rec := doJSON(t, handler, "POST", "/api/v1/channels", map[string]interface{}{
		"index":    3,
		"priority": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate create conflicts
	rec = doJSON(t, handler, "POST", "/api/v1/channels", map[string]interface{}{"index": 3})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Fetch
	rec = doJSON(t, handler, "GET", "/api/v1/channels/3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["index"])

	// List
	rec = doJSON(t, handler, "GET", "/api/v1/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])

	// State transition
	rec = doJSON(t, handler, "POST", "/api/v1/channels/3/state", map[string]string{
		"state":  "CONNECTING",
		"reason": "stream opened",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, "POST", "/api/v1/channels/3/state", map[string]string{
		"state": "NOT_A_STATE",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Telemetry
	rec = doJSON(t, handler, "POST", "/api/v1/channels/3/errors", map[string]string{
		"message": "rtsp timeout",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, handler, "POST", "/api/v1/channels/3/frames", map[string]interface{}{
		"frame_rate":     25.0,
		"dropped_frames": 0,
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Policy round trip
	rec = doJSON(t, handler, "GET", "/api/v1/channels/3/policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, "PUT", "/api/v1/channels/3/policy", channel.ReconnectionPolicy{
		Enabled:     false,
		MaxAttempts: 1,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	policy, ok := application.stateMachine.GetReconnectionPolicy(3)
	require.True(t, ok)
	assert.False(t, policy.Enabled)

	// Delete
	rec = doJSON(t, handler, "DELETE", "/api/v1/channels/3", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, "GET", "/api/v1/channels/3", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChannelEndpointsRejectBadIndex(t *testing.T) {
	application := newTestApp(t)

	rec := doJSON(t, application.httpServer.Handler, "GET", "/api/v1/channels/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuotaEndpoints(t *testing.T) {
	application := newTestApp(t)
	handler := application.httpServer.Handler

	require.True(t, application.allocator.AddChannel(0, 1))
	application.allocator.SetChannelActive(0, true)

	// Overview lists the configured quotas
	rec := doJSON(t, handler, "GET", "/api/v1/quota", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "strategy")
	assert.Len(t, body["quotas"], 2)

	// Successful request
	rec = doJSON(t, handler, "POST", "/api/v1/quota/request", map[string]interface{}{
		"channel":       0,
		"resource_type": "memory",
		"amount":        100,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])

	// Unknown resource type
	rec = doJSON(t, handler, "POST", "/api/v1/quota/request", map[string]interface{}{
		"channel":       0,
		"resource_type": "plutonium",
		"amount":        1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Per-channel view
	rec = doJSON(t, handler, "GET", "/api/v1/quota/channels/0", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, "GET", "/api/v1/quota/channels/9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuotaRequestConflictWhenExhausted(t *testing.T) {
	application := newTestApp(t)
	handler := application.httpServer.Handler

	require.True(t, application.allocator.AddChannel(0, 1))

	// Drain the decoder quota, then ask again
	granted, ok := application.allocator.Request(0, quota.ResourceDecoder, 10)
	require.True(t, ok)
	require.Equal(t, int64(4), granted)

	rec := doJSON(t, handler, "POST", "/api/v1/quota/request", map[string]interface{}{
		"channel":       0,
		"resource_type": "decoder",
		"amount":        1,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
}

func TestPoolEndpoints(t *testing.T) {
	application := newTestApp(t)
	handler := application.httpServer.Handler

	rec := doJSON(t, handler, "GET", "/api/v1/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, "GET", "/api/v1/pools/memory_buffer/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "memory_buffer", body["type"])
	assert.Len(t, body["instances"], 2)

	rec = doJSON(t, handler, "GET", "/api/v1/pools/quantum/instances", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, "GET", "/api/v1/pools/decoder/instances", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPoolAllocationEndpoints(t *testing.T) {
	application := newTestApp(t)
	handler := application.httpServer.Handler

	rec := doJSON(t, handler, "POST", "/api/v1/pools/memory_buffer/allocate", map[string]interface{}{
		"channel": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	leaseID := int64(body["lease_id"].(float64))
	require.NotZero(t, leaseID)

	instances, ok := application.poolManager.GetInstances(pool.TypeMemoryBuffer)
	require.True(t, ok)
	busy := 0
	for _, inst := range instances {
		if inst.InUse {
			busy++
		}
	}
	assert.Equal(t, 1, busy)

	// Unknown pool type
	rec = doJSON(t, handler, "POST", "/api/v1/pools/quantum/allocate", map[string]interface{}{"channel": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Exhaust the remaining instance, then the next allocation conflicts
	rec = doJSON(t, handler, "POST", "/api/v1/pools/memory_buffer/allocate", map[string]interface{}{"channel": 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, handler, "POST", "/api/v1/pools/memory_buffer/allocate", map[string]interface{}{"channel": 3})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Release by lease id; a second release is a 404
	rec = doJSON(t, handler, "DELETE", fmt.Sprintf("/api/v1/pools/leases/%d", leaseID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, handler, "DELETE", fmt.Sprintf("/api/v1/pools/leases/%d", leaseID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResourceLifecycleEndpoints(t *testing.T) {
	application := newTestApp(t)
	handler := application.httpServer.Handler

	rec := doJSON(t, handler, "POST", "/api/v1/resources", map[string]interface{}{
		"type":    "memory_buffer",
		"size":    64,
		"channel": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	id := int64(body["id"].(float64))
	require.NotZero(t, id)

	rec = doJSON(t, handler, "POST", "/api/v1/resources", map[string]interface{}{
		"type": "holomatrix",
		"size": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, "GET", fmt.Sprintf("/api/v1/resources/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(64), body["size"])

	// Deleting a reserved resource defers instead of freeing
	require.True(t, application.resourceManager.Reserve(id))
	rec = doJSON(t, handler, "DELETE", fmt.Sprintf("/api/v1/resources/%d", id), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Once released the delete completes
	require.True(t, application.resourceManager.Release(id))
	rec = doJSON(t, handler, "DELETE", fmt.Sprintf("/api/v1/resources/%d", id), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, "GET", fmt.Sprintf("/api/v1/resources/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlockPoolEndpoints(t *testing.T) {
	application := newTestApp(t)
	handler := application.httpServer.Handler

	rec := doJSON(t, handler, "POST", "/api/v1/blocks", map[string]interface{}{"channel": 0})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	id := int64(body["id"].(float64))
	require.NotZero(t, id)

	rec = doJSON(t, handler, "DELETE", fmt.Sprintf("/api/v1/blocks/%d", id), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, "DELETE", "/api/v1/blocks/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResourcesEndpoint(t *testing.T) {
	application := newTestApp(t)

	id := application.resourceManager.Allocate(resources.TypeMemoryBuffer, 128, 0)
	require.NotZero(t, id)

	rec := doJSON(t, application.httpServer.Handler, "GET", "/api/v1/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, float64(128), body["total_memory"])
}

func TestWriteResourceEndpoint(t *testing.T) {
	application := newTestApp(t)
	handler := application.httpServer.Handler

	id := application.resourceManager.Allocate(resources.TypeMemoryBuffer, 8, 0)
	require.NotZero(t, id)

	payload := []byte{9, 8, 7}
	req := httptest.NewRequest("PUT", "/api/v1/resources/1/data", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["written"])
	assert.Equal(t, "cpu", body["backend"])
	assert.Equal(t, payload, application.resourceManager.Data(id)[:3])

	// Unknown resource
	req = httptest.NewRequest("PUT", "/api/v1/resources/99/data", bytes.NewReader(payload))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Payload larger than the backing block
	req = httptest.NewRequest("PUT", "/api/v1/resources/1/data", bytes.NewReader(make([]byte, 16)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRequestedQuotaVisibleInChannelSnapshot(t *testing.T) {
	application := newTestApp(t)

	require.True(t, application.allocator.AddChannel(1, 1))
	application.allocator.SetChannelActive(1, true)

	granted, ok := application.allocator.Request(1, quota.ResourceMemory, 200)
	require.True(t, ok)
	require.Positive(t, granted)

	snap, ok := application.allocator.GetChannel(1)
	require.True(t, ok)
	assert.Equal(t, granted, snap.Allocated[quota.ResourceMemory])
	assert.Equal(t, int64(200), snap.Requested[quota.ResourceMemory])
}
