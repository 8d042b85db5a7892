package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/bucketcache/internal/cluster"
	"github.com/dreamware/bucketcache/internal/coordinator"
	"github.com/dreamware/bucketcache/internal/node"
	"github.com/dreamware/bucketcache/internal/processor"
)

// forwardedRequestHeaders are copied from client requests to the owning node,
// forwardedResponseHeaders back.
var (
	forwardedRequestHeaders  = []string{"Content-Type", cluster.HeaderExpectedUpdateCounter}
	forwardedResponseHeaders = []string{"Content-Type", "Retry-After", cluster.HeaderUpdateCounter, cluster.HeaderExpiresAt}
)

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /leave", s.handleLeave)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /buckets", s.handleBuckets)
	mux.HandleFunc("POST "+node.CompletePath, s.handleAnnouncement(coordinator.AnnouncementTransferCompleted))
	mux.HandleFunc("POST "+node.RejectPath, s.handleAnnouncement(coordinator.AnnouncementTransferRejected))
	mux.HandleFunc("GET /data/{key...}", s.handleData)
	mux.HandleFunc("PUT /data/{key...}", s.handleData)
	mux.HandleFunc("DELETE /data/{key...}", s.handleData)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := cluster.DecodeJSON(w, r, &req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.Cache != nil {
		if err := s.svc.Info().Check(*req.Cache); err != nil {
			s.logger.Warn("node configuration mismatch", zap.String("node", req.Node.ID), zap.Error(err))
			cluster.WriteError(w, http.StatusConflict, err)
			return
		}
	}
	if err := s.svc.Join(r.Context(), req.Node); err != nil {
		s.fail(w, "register", err)
		return
	}
	s.logger.Info("node registered", zap.String("node", req.Node.ID), zap.String("addr", req.Node.Addr))
	cluster.WriteJSON(w, http.StatusOK, cluster.RegisterResponse{Cache: s.svc.Info()})
}

func (s *server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req cluster.LeaveRequest
	if err := cluster.DecodeJSON(w, r, &req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.Leave(r.Context(), req.NodeID); err != nil {
		s.fail(w, "leave", err)
		return
	}
	s.logger.Info("node leaving", zap.String("node", req.NodeID))
	w.WriteHeader(http.StatusNoContent)
}

type nodeStatus struct {
	cluster.NodeInfo
	Health *coordinator.NodeHealth `json:"health,omitempty"`
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.svc.Nodes(r.Context())
	if err != nil {
		s.fail(w, "list nodes", err)
		return
	}
	out := make([]nodeStatus, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeStatus{NodeInfo: n, Health: s.monitor.GetNodeHealth(n.ID)})
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Nodes []nodeStatus `json:"nodes"`
	}{Nodes: out})
}

func (s *server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	snap, pending, err := s.svc.Table(r.Context())
	if err != nil {
		s.fail(w, "buckets", err)
		return
	}
	if pending == nil {
		pending = []coordinator.Transfer{}
	}
	store, err := s.svc.StoreStatus()
	if err != nil {
		s.fail(w, "buckets", err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Snapshot       coordinator.OwnershipSnapshot `json:"snapshot"`
		Pending        []coordinator.Transfer        `json:"pending"`
		QueuedCommands int                           `json:"queued_commands"`
		Store          coordinator.StoreStatus       `json:"store"`
	}{
		Snapshot:       snap,
		Pending:        pending,
		QueuedCommands: s.dispatcher.Pending(),
		Store:          store,
	})
}

func (s *server) handleAnnouncement(kind coordinator.AnnouncementKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a coordinator.Announcement
		if err := cluster.DecodeJSON(w, r, &a); err != nil {
			cluster.WriteError(w, http.StatusBadRequest, err)
			return
		}
		if a.Kind != kind {
			cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("announcement %q posted to %s", a.Kind, r.URL.Path))
			return
		}
		if err := s.svc.HandleAnnouncement(r.Context(), a); err != nil {
			s.fail(w, "announcement", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// maxRouteRetries bounds how often a data request is sent again after the owner
// answered 421 or 503.
const maxRouteRetries = 4

// errOwnerRefused is returned by a routing attempt whose owner answered 421 or
// 503. The key is routed again after a pause.
var errOwnerRefused = errors.New("owner refused the request")

func routePolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(b, maxRouteRetries)
}

// nodeResponse is a buffered node answer.
type nodeResponse struct {
	header http.Header
	body   []byte
	status int
}

func retryable(status int) bool {
	return status == http.StatusMisdirectedRequest || status == http.StatusServiceUnavailable
}

// handleData forwards a key operation to the primary owner of the key's bucket.
// An owner that no longer holds the bucket or whose lease lapsed is retried
// against the owner the table names after a pause. Accepted writes are copied
// to the replica owners.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		cluster.WriteError(w, http.StatusBadRequest, errors.New("key required"))
		return
	}
	var body []byte
	if r.Method == http.MethodPut {
		var err error
		if body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, cluster.MaxBodyBytes)); err != nil {
			cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
			return
		}
	}
	header := make(http.Header)
	for _, h := range forwardedRequestHeaders {
		if v := r.Header.Get(h); v != "" {
			header.Set(h, v)
		}
	}
	ttl := r.URL.Query().Get("ttl")

	var (
		resp              *nodeResponse
		bucketNumber      int
		routeErr, sendErr error
	)
	op := func() error {
		owner, b, err := s.svc.OwnerForKey(r.Context(), []byte(key))
		if err != nil {
			routeErr = err
			return backoff.Permanent(err)
		}
		bucketNumber = b
		resp, err = s.send(r.Context(), r.Method, storeURL(owner, b, key, 0, ttl), body, header)
		if err != nil {
			sendErr = err
			return backoff.Permanent(err)
		}
		if retryable(resp.status) {
			return errOwnerRefused
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.RouteRetries.Inc()
		s.logger.Debug("retrying data request", zap.String("key", key), zap.Duration("wait", wait), zap.Error(err))
	}
	_ = backoff.RetryNotify(op, backoff.WithContext(routePolicy(), r.Context()), notify)

	switch {
	case routeErr != nil:
		s.fail(w, "route", routeErr)
		return
	case sendErr != nil:
		s.logger.Warn("forward failed", zap.String("key", key), zap.Error(sendErr))
		cluster.WriteError(w, http.StatusBadGateway, fmt.Errorf("forward request: %w", sendErr))
		return
	case resp == nil:
		cluster.WriteError(w, http.StatusServiceUnavailable, errors.New("no owner answered"))
		return
	}

	if r.Method != http.MethodGet && resp.status >= 200 && resp.status < 300 {
		s.replicate(r.Context(), r.Method, bucketNumber, key, body, resp.header)
	}

	for _, h := range forwardedResponseHeaders {
		if v := resp.header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write(resp.body)
}

// replicate copies a write accepted by the primary to every replica owner of
// the bucket. The primary's update counter and expiration travel with a PUT.
// Failures are logged and counted; the client write has already succeeded.
func (s *server) replicate(ctx context.Context, method string, b int, key string, value []byte, primary http.Header) {
	replicas, err := s.svc.ReplicaOwners(ctx, b)
	if err != nil {
		s.logger.Warn("resolve replica owners", zap.Int("bucket", b), zap.Error(err))
		return
	}
	header := make(http.Header)
	if method == http.MethodPut {
		header.Set(cluster.HeaderReplicate, primary.Get(cluster.HeaderUpdateCounter))
		if expiresAt := primary.Get(cluster.HeaderExpiresAt); expiresAt != "" {
			header.Set(cluster.HeaderExpiresAt, expiresAt)
		}
	}
	for _, replica := range replicas {
		resp, err := s.send(ctx, method, storeURL(replica.Owner, b, key, replica.StorageNumber, ""), value, header)
		if err == nil && resp.status >= 300 {
			err = fmt.Errorf("replica answered %d: %s", resp.status, strings.TrimSpace(string(resp.body)))
		}
		if err != nil {
			s.logger.Warn("replication failed",
				zap.Int("bucket", b),
				zap.Uint8("storage", replica.StorageNumber),
				zap.String("owner", string(replica.Owner)),
				zap.Error(err),
			)
			s.metrics.Replications.WithLabelValues("failed").Inc()
			continue
		}
		s.metrics.Replications.WithLabelValues("ok").Inc()
	}
}

// storeURL addresses key in one copy of bucket b on owner.
func storeURL(owner coordinator.Address, b int, key string, storage uint8, ttl string) string {
	target := fmt.Sprintf("%s/buckets/%d/store/%s", strings.TrimRight(string(owner), "/"), b, url.PathEscape(key))
	query := url.Values{}
	if storage > 0 {
		query.Set("storage", strconv.Itoa(int(storage)))
	}
	if ttl != "" {
		query.Set("ttl", ttl)
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

func (s *server) send(ctx context.Context, method, target string, body []byte, header http.Header) (*nodeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for name, values := range header {
		req.Header[name] = values
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &nodeResponse{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (s *server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	} else {
		s.logger.Debug(op+" refused", zap.Error(err))
	}
	cluster.WriteError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownNode), errors.Is(err, coordinator.ErrUnknownOwner):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrInvalidAddress),
		errors.Is(err, coordinator.ErrBucketOutOfRange),
		errors.Is(err, coordinator.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrStaleTransferEpoch),
		errors.Is(err, cluster.ErrClusterMismatch),
		errors.Is(err, coordinator.ErrBucketSafety),
		errors.Is(err, coordinator.ErrDuplicatePrimaryOwner):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrBucketUnowned),
		errors.Is(err, processor.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
