package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/maxenergy/channelcore/internal/channel"
	"github.com/maxenergy/channelcore/internal/pool"
	"github.com/maxenergy/channelcore/internal/quota"
	"github.com/maxenergy/channelcore/internal/resources"
	"github.com/maxenergy/channelcore/pkg/accel"

	"github.com/gorilla/mux"
)

// maxResourceWriteBytes bounds one data write request body
const maxResourceWriteBytes int64 = 16 * 1024 * 1024

// initializeHTTPServer builds the API router
func (app *App) initializeHTTPServer() {
	router := mux.NewRouter()

	// Health endpoints
	router.HandleFunc("/health", app.healthHandler).Methods("GET")
	router.HandleFunc("/status", app.statusHandler).Methods("GET")

	// Channel endpoints
	router.HandleFunc("/api/v1/channels", app.listChannelsHandler).Methods("GET")
	router.HandleFunc("/api/v1/channels", app.addChannelHandler).Methods("POST")
	router.HandleFunc("/api/v1/channels/{index}", app.getChannelHandler).Methods("GET")
	router.HandleFunc("/api/v1/channels/{index}", app.removeChannelHandler).Methods("DELETE")
	router.HandleFunc("/api/v1/channels/{index}/state", app.setChannelStateHandler).Methods("POST")
	router.HandleFunc("/api/v1/channels/{index}/errors", app.reportErrorHandler).Methods("POST")
	router.HandleFunc("/api/v1/channels/{index}/frames", app.reportFrameHandler).Methods("POST")
	router.HandleFunc("/api/v1/channels/{index}/policy", app.getPolicyHandler).Methods("GET")
	router.HandleFunc("/api/v1/channels/{index}/policy", app.setPolicyHandler).Methods("PUT")
	router.HandleFunc("/api/v1/channels/{index}/reconnect", app.cancelReconnectHandler).Methods("DELETE")

	// Quota endpoints
	router.HandleFunc("/api/v1/quota", app.quotaHandler).Methods("GET")
	router.HandleFunc("/api/v1/quota/request", app.quotaRequestHandler).Methods("POST")
	router.HandleFunc("/api/v1/quota/channels/{index}", app.quotaChannelHandler).Methods("GET")

	// Pool endpoints
	router.HandleFunc("/api/v1/pools", app.poolsHandler).Methods("GET")
	router.HandleFunc("/api/v1/pools/leases/{id}", app.releasePoolLeaseHandler).Methods("DELETE")
	router.HandleFunc("/api/v1/pools/{type}/instances", app.poolInstancesHandler).Methods("GET")
	router.HandleFunc("/api/v1/pools/{type}/allocate", app.allocatePoolHandler).Methods("POST")

	// Resource endpoints
	router.HandleFunc("/api/v1/resources", app.resourcesHandler).Methods("GET")
	router.HandleFunc("/api/v1/resources", app.allocateResourceHandler).Methods("POST")
	router.HandleFunc("/api/v1/resources/{id}", app.getResourceHandler).Methods("GET")
	router.HandleFunc("/api/v1/resources/{id}", app.deleteResourceHandler).Methods("DELETE")
	router.HandleFunc("/api/v1/resources/{id}/data", app.writeResourceHandler).Methods("PUT")

	// Block pool endpoints
	router.HandleFunc("/api/v1/blocks", app.allocateBlockHandler).Methods("POST")
	router.HandleFunc("/api/v1/blocks/{id}", app.releaseBlockHandler).Methods("DELETE")

	// Admin endpoints
	if app.perfMonitor != nil {
		router.HandleFunc("/admin/perf", app.perfHandler).Methods("GET")
	}

	if app.config.Tracing.Enabled {
		router.Use(tracingMiddleware(app))
	}

	addr := fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port)
	app.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}
}

func tracingMiddleware(app *App) mux.MiddlewareFunc {
	return mux.MiddlewareFunc(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := app.tracingManager.GetTracer().Start(r.Context(), r.Method+" "+r.URL.Path)
			defer span.End()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func channelIndex(r *http.Request) (int, error) {
	raw := mux.Vars(r)["index"]
	index, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid channel index: %s", raw)
	}
	return index, nil
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %s", raw)
	}
	return id, nil
}

// poolLease tracks a pool handle issued over the HTTP API so it can be
// returned later by lease id. Pool handles are process-local pointers,
// so the API hands out ids instead.
type poolLease struct {
	ptype    pool.Type
	resource *pool.Resource
	channel  int
}

// Health handlers

func (app *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"version":    app.config.App.Version,
		"check_time": time.Now().Format(time.RFC3339),
	})
}

func (app *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels":  app.stateMachine.StatusReport(),
		"quota":     app.allocator.StatusReport(),
		"pools":     app.poolManager.StatusReport(),
		"resources": app.resourceManager.StatusReport(),
	})
}

// Channel handlers

func (app *App) listChannelsHandler(w http.ResponseWriter, r *http.Request) {
	indexes := app.stateMachine.Channels()
	snapshots := make([]channel.Snapshot, 0, len(indexes))
	for _, index := range indexes {
		if snap, ok := app.stateMachine.GetSnapshot(index); ok {
			snapshots = append(snapshots, snap)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(snapshots),
		"channels": snapshots,
	})
}

func (app *App) addChannelHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index    int                         `json:"index"`
		Priority int                         `json:"priority"`
		Policy   *channel.ReconnectionPolicy `json:"policy,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	policy := channel.DefaultReconnectionPolicy()
	if req.Policy != nil {
		policy = *req.Policy
	}

	if !app.stateMachine.AddChannel(req.Index, policy) {
		http.Error(w, fmt.Sprintf("Cannot add channel %d", req.Index), http.StatusConflict)
		return
	}
	app.allocator.AddChannel(req.Index, req.Priority)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"index": req.Index,
	})
}

func (app *App) getChannelHandler(w http.ResponseWriter, r *http.Request) {
	index, err := channelIndex(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, ok := app.stateMachine.GetSnapshot(index)
	if !ok {
		http.Error(w, fmt.Sprintf("Channel %d not found", index), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (app *App) removeChannelHandler(w http.ResponseWriter, r *http.Request) {
	index, err := channelIndex(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !app.stateMachine.RemoveChannel(index) {
		http.Error(w, fmt.Sprintf("Channel %d not found", index), http.StatusNotFound)
		return
	}
	app.allocator.RemoveChannel(index)

	w.WriteHeader(http.StatusNoContent)
}

func (app *App) setChannelStateHandler(w http.ResponseWriter, r *http.Request) {
	index, err := channelIndex(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req struct {
		State  string `json:"state"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	state, ok := channel.ParseState(req.State)
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown state: %s", req.State), http.StatusBadRequest)
		return
	}

	if !app.stateMachine.SetState(index, state, req.Reason) {
		http.Error(w, fmt.Sprintf("Channel %d not found", index), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"index": index,
		"state": state.String(),
	})
}

func (app *App) reportErrorHandler(w http.ResponseWriter, r *http.Request) {
	index, err := channelIndex(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if !app.stateMachine.ReportError(index, req.Message) {
		http.Error(w, fmt.Sprintf("Channel %d not found", index), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (app *App) reportFrameHandler(w http.ResponseWriter, r *http.Request) {
	index, err := channelIndex(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req struct {
		FrameRate     float64 `json:"frame_rate"`
		DroppedFrames int     `json:"dropped_frames"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if !app.stateMachine.ReportFrame(index, req.FrameRate, req.DroppedFrames) {
		http.Error(w, fmt.Sprintf("Channel %d not found", index), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (app *App) getPolicyHandler(w http.ResponseWriter, r *http.Request) {
	index, err := channelIndex(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	policy, ok := app.stateMachine.GetReconnectionPolicy(index)
	if !ok {
		http.Error(w, fmt.Sprintf("Channel %d not found", index), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (app *App) setPolicyHandler(w http.ResponseWriter, r *http.Request) {
	index, err := channelIndex(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var policy channel.ReconnectionPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if !app.stateMachine.SetReconnectionPolicy(index, policy) {
		http.Error(w, fmt.Sprintf("Channel %d not found", index), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (app *App) cancelReconnectHandler(w http.ResponseWriter, r *http.Request) {
	index, err := channelIndex(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !app.stateMachine.CancelReconnection(index) {
		http.Error(w, fmt.Sprintf("Channel %d not found", index), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Quota handlers

func (app *App) quotaHandler(w http.ResponseWriter, r *http.Request) {
	quotas := make([]quota.QuotaSnapshot, 0)
	for _, rt := range quota.ResourceTypes() {
		if snap, ok := app.allocator.GetQuota(rt); ok {
			quotas = append(quotas, snap)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy": app.allocator.GetStrategy().String(),
		"quotas":   quotas,
	})
}

func (app *App) quotaRequestHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel      int    `json:"channel"`
		ResourceType string `json:"resource_type"`
		Amount       int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	rt, ok := quota.ParseResourceType(req.ResourceType)
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown resource type: %s", req.ResourceType), http.StatusBadRequest)
		return
	}

	granted, ok := app.allocator.Request(req.Channel, rt, req.Amount)
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{
		"channel":       req.Channel,
		"resource_type": rt.String(),
		"requested":     req.Amount,
		"granted":       granted,
		"ok":            ok,
	})
}

func (app *App) quotaChannelHandler(w http.ResponseWriter, r *http.Request) {
	index, err := channelIndex(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, ok := app.allocator.GetChannel(index)
	if !ok {
		http.Error(w, fmt.Sprintf("Channel %d not registered", index), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Pool handlers

func (app *App) poolsHandler(w http.ResponseWriter, r *http.Request) {
	stats := make([]pool.Statistics, 0)
	for _, ptype := range app.poolManager.Types() {
		if s, ok := app.poolManager.GetStatistics(ptype); ok {
			stats = append(stats, s)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pools": stats,
	})
}

func (app *App) poolInstancesHandler(w http.ResponseWriter, r *http.Request) {
	ptype, ok := pool.ParseType(mux.Vars(r)["type"])
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown pool type: %s", mux.Vars(r)["type"]), http.StatusBadRequest)
		return
	}

	instances, ok := app.poolManager.GetInstances(ptype)
	if !ok {
		http.Error(w, fmt.Sprintf("Pool %s not found", ptype.String()), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"type":      ptype.String(),
		"instances": instances,
	})
}

func (app *App) allocatePoolHandler(w http.ResponseWriter, r *http.Request) {
	ptype, ok := pool.ParseType(mux.Vars(r)["type"])
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown pool type: %s", mux.Vars(r)["type"]), http.StatusBadRequest)
		return
	}

	var req struct {
		Channel  int `json:"channel"`
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	resource := app.poolManager.Allocate(ptype, req.Channel, req.Priority)
	if resource == nil {
		http.Error(w, fmt.Sprintf("Pool %s exhausted", ptype.String()), http.StatusConflict)
		return
	}

	leaseID := app.nextLease.Add(1)
	app.leaseMu.Lock()
	app.poolLeases[leaseID] = poolLease{ptype: ptype, resource: resource, channel: req.Channel}
	app.leaseMu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"lease_id": leaseID,
		"type":     ptype.String(),
		"channel":  req.Channel,
	})
}

func (app *App) releasePoolLeaseHandler(w http.ResponseWriter, r *http.Request) {
	leaseID, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	app.leaseMu.Lock()
	lease, ok := app.poolLeases[leaseID]
	delete(app.poolLeases, leaseID)
	app.leaseMu.Unlock()

	if !ok {
		http.Error(w, fmt.Sprintf("Lease %d not found", leaseID), http.StatusNotFound)
		return
	}

	app.poolManager.Release(lease.ptype, lease.resource, lease.channel)
	w.WriteHeader(http.StatusNoContent)
}

// Resource handlers

func (app *App) resourcesHandler(w http.ResponseWriter, r *http.Request) {
	blocks, maxBlocks := app.blockPool.Size()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":        app.resourceManager.Count(),
		"total_memory": app.resourceManager.TotalMemory(),
		"block_pool": map[string]int{
			"blocks":     blocks,
			"max_blocks": maxBlocks,
		},
	})
}

func (app *App) allocateResourceHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string `json:"type"`
		Size    int64  `json:"size"`
		Channel int    `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	rtype, ok := resources.ParseResourceType(req.Type)
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown resource type: %s", req.Type), http.StatusBadRequest)
		return
	}

	id := app.resourceManager.Allocate(rtype, req.Size, req.Channel)
	if id == resources.InvalidID {
		http.Error(w, "Allocation rejected", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      id,
		"type":    rtype.String(),
		"size":    req.Size,
		"channel": req.Channel,
	})
}

func (app *App) getResourceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, ok := app.resourceManager.GetSnapshot(id)
	if !ok {
		http.Error(w, fmt.Sprintf("Resource %d not found", id), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// deleteResourceHandler frees a resource, or defers the free when
// holders still reference it. The deferred case answers 202 so callers
// can tell the two apart.
func (app *App) deleteResourceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if app.resourceManager.Deallocate(id) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	snap, ok := app.resourceManager.GetSnapshot(id)
	if !ok {
		http.Error(w, fmt.Sprintf("Resource %d not found", id), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":    id,
		"state": snap.State.String(),
	})
}

// Block pool handlers

func (app *App) allocateBlockHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel int `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	id := app.blockPool.AllocateFromPool(req.Channel)
	if id == resources.InvalidID {
		http.Error(w, "Block pool exhausted", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      id,
		"channel": req.Channel,
	})
}

func (app *App) releaseBlockHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !app.blockPool.ReleaseToPool(id) {
		http.Error(w, fmt.Sprintf("Block %d not found", id), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeResourceHandler copies the request body into a managed buffer
// through the acceleration backend, falling back to a plain copy when
// the backend declines. The resource is pinned for the duration of the
// write so the sweeper cannot reclaim it mid-copy.
func (app *App) writeResourceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxResourceWriteBytes+1))
	if err != nil {
		http.Error(w, fmt.Sprintf("reading body: %v", err), http.StatusBadRequest)
		return
	}
	if int64(len(payload)) > maxResourceWriteBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !app.resourceManager.Reserve(id) {
		http.Error(w, fmt.Sprintf("Resource %d not found", id), http.StatusNotFound)
		return
	}
	defer app.resourceManager.Release(id)

	block := app.resourceManager.Data(id)
	if block == nil {
		http.Error(w, fmt.Sprintf("Resource %d has no host-memory backing", id), http.StatusConflict)
		return
	}
	if len(payload) > len(block) {
		http.Error(w, fmt.Sprintf("payload %d exceeds resource size %d", len(payload), len(block)), http.StatusConflict)
		return
	}

	if err := app.accelBackend.TryAccelerate(accel.OpCopy, payload, block); err != nil {
		if !errors.Is(err, accel.ErrUnsupported) {
			http.Error(w, fmt.Sprintf("copy failed: %v", err), http.StatusInternalServerError)
			return
		}
		copy(block, payload)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"written": len(payload),
		"backend": app.accelBackend.Name(),
	})
}

// Admin handlers

func (app *App) perfHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.perfMonitor.GetStats())
}
