package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/bucketcache/internal/bucket"
	"github.com/dreamware/bucketcache/internal/cluster"
	"github.com/dreamware/bucketcache/internal/coordinator"
	"github.com/dreamware/bucketcache/internal/node"
	"github.com/dreamware/bucketcache/internal/processor"
)

type handlers struct {
	n      *node.Node
	logger *zap.Logger
}

func routes(n *node.Node, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	h := &handlers{n: n, logger: logger.Named("http")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+coordinator.CommandsPath, h.handleCommand)
	mux.HandleFunc("POST "+node.ReceivePath, h.handleReceive)
	mux.HandleFunc("GET /buckets/{bucket}/store/{key...}", h.handleGet)
	mux.HandleFunc("PUT /buckets/{bucket}/store/{key...}", h.handlePut)
	mux.HandleFunc("DELETE /buckets/{bucket}/store/{key...}", h.handleDelete)
	mux.HandleFunc("GET /info", h.handleInfo)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (h *handlers) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd coordinator.Command
	if err := cluster.DecodeJSON(w, r, &cmd); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.n.Handle(r.Context(), cmd); err != nil {
		h.fail(w, "command "+cmd.Kind.String(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleReceive(w http.ResponseWriter, r *http.Request) {
	var p node.TransferPayload
	if err := cluster.DecodeJSON(w, r, &p); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.n.Receive(r.Context(), p); err != nil {
		h.fail(w, "receive", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// slotRequest is the bucket copy and key addressed by a store request.
type slotRequest struct {
	key     []byte
	bucket  int
	storage uint8
}

func (h *handlers) parseSlot(r *http.Request) (slotRequest, error) {
	b, err := strconv.Atoi(r.PathValue("bucket"))
	if err != nil || b < 0 {
		return slotRequest{}, fmt.Errorf("invalid bucket %q", r.PathValue("bucket"))
	}
	var storage uint64
	if raw := r.URL.Query().Get("storage"); raw != "" {
		if storage, err = strconv.ParseUint(raw, 10, 8); err != nil {
			return slotRequest{}, fmt.Errorf("invalid storage number %q", raw)
		}
	}
	key := []byte(r.PathValue("key"))
	if len(key) == 0 {
		return slotRequest{}, errors.New("key required")
	}
	if owner := h.n.BucketForKey(key); owner != b {
		return slotRequest{}, fmt.Errorf("key belongs to bucket %d, not %d", owner, b)
	}
	return slotRequest{key: key, bucket: b, storage: uint8(storage)}, nil
}

func (h *handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseSlot(r)
	if err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}
	entry, found, err := h.n.Get(r.Context(), req.bucket, req.storage, req.key)
	if err != nil {
		h.fail(w, "get", err)
		return
	}
	if !found {
		cluster.WriteError(w, http.StatusNotFound, errors.New("key not found"))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(cluster.HeaderUpdateCounter, strconv.FormatUint(entry.UpdateCounter, 10))
	if !entry.ExpiresAt.IsZero() {
		w.Header().Set(cluster.HeaderExpiresAt, entry.ExpiresAt.UTC().Format(time.RFC3339Nano))
	}
	if _, err := w.Write(entry.Value); err != nil {
		h.logger.Debug("write response", zap.Error(err))
	}
}

// handlePut stores the request body. A ttl query parameter sets the expiration;
// an expected update counter header makes the write conditional.
func (h *handlers) handlePut(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseSlot(r)
	if err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}
	var expiresAt time.Time
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid ttl %q", raw))
			return
		}
		expiresAt = h.n.Now().Add(ttl)
	}
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cluster.MaxBodyBytes))
	if err != nil {
		cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	if raw := r.Header.Get(cluster.HeaderReplicate); raw != "" {
		h.handleReplicate(w, r, req, value, raw)
		return
	}
	if !expiresAt.IsZero() {
		w.Header().Set(cluster.HeaderExpiresAt, expiresAt.UTC().Format(time.RFC3339Nano))
	}

	if raw := r.Header.Get(cluster.HeaderExpectedUpdateCounter); raw != "" {
		expected, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid %s %q", cluster.HeaderExpectedUpdateCounter, raw))
			return
		}
		if _, err := h.n.Update(r.Context(), req.bucket, req.storage, req.key, value, expiresAt, expected); err != nil {
			h.fail(w, "update", err)
			return
		}
		w.Header().Set(cluster.HeaderUpdateCounter, strconv.FormatUint(expected+1, 10))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	previous, existed, err := h.n.Put(r.Context(), req.bucket, req.storage, req.key, value, expiresAt)
	if err != nil {
		h.fail(w, "put", err)
		return
	}
	w.Header().Set(cluster.HeaderUpdateCounter, strconv.FormatUint(previous.UpdateCounter+1, 10))
	if existed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleReplicate applies a write the primary already accepted, keeping the
// primary's update counter and expiration.
func (h *handlers) handleReplicate(w http.ResponseWriter, r *http.Request, req slotRequest, value []byte, rawCounter string) {
	counter, err := strconv.ParseUint(rawCounter, 10, 64)
	if err != nil || counter == 0 {
		cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid %s %q", cluster.HeaderReplicate, rawCounter))
		return
	}
	var expiresAt time.Time
	if raw := r.Header.Get(cluster.HeaderExpiresAt); raw != "" {
		if expiresAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid %s %q", cluster.HeaderExpiresAt, raw))
			return
		}
	}
	if err := h.n.Replicate(r.Context(), req.bucket, req.storage, req.key, value, expiresAt, counter); err != nil {
		h.fail(w, "replicate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseSlot(r)
	if err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if _, _, err := h.n.Remove(r.Context(), req.bucket, req.storage, req.key); err != nil {
		h.fail(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth answers liveness checks. A check from the coordinator of this
// cache also extends the bucket leases.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if cache := r.Header.Get(cluster.HeaderCoordinator); cache != "" && cache == h.n.CacheName() {
		if err := h.n.Heartbeat(r.Context()); err != nil {
			h.fail(w, "heartbeat", err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.n.Info(r.Context())
	if err != nil {
		h.fail(w, "info", err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, info)
}

func (h *handlers) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		h.logger.Error(op+" failed", zap.Error(err))
	default:
		h.logger.Debug(op+" refused", zap.Error(err))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	cluster.WriteError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, node.ErrBucketNotOwned), errors.Is(err, node.ErrNotDestination):
		return http.StatusMisdirectedRequest
	case errors.Is(err, bucket.ErrCounterMismatch):
		return http.StatusPreconditionFailed
	case errors.Is(err, node.ErrDraining):
		return http.StatusConflict
	case errors.Is(err, node.ErrWrongCache),
		errors.Is(err, node.ErrNotReplica),
		errors.Is(err, bucket.ErrCorruptPayload),
		errors.Is(err, coordinator.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, bucket.ErrLeaseExpired),
		errors.Is(err, processor.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
