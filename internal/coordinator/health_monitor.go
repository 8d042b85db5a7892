package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dreamware/bucketcache/internal/cluster"
)

// HealthStatus is the liveness verdict for one node.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// NodeHealth tracks the health status of a single node in the cluster.
type NodeHealth struct {
	LastCheck        time.Time    `json:"last_check"`
	LastHealthy      time.Time    `json:"last_healthy"`
	NodeID           string       `json:"node_id"`
	Addr             string       `json:"addr"`
	Status           HealthStatus `json:"status"`
	ConsecutiveFails int          `json:"consecutive_fails"`
}

// HealthMonitorConfig tunes failure detection.
type HealthMonitorConfig struct {
	// CacheName is sent with every check so that nodes count it as contact.
	CacheName   string
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
}

// CheckFunc checks one node address.
type CheckFunc func(ctx context.Context, addr string) error

// HealthMonitor periodically checks every registered node. A node that fails
// MaxFailures consecutive checks is reported once through the unhealthy callback,
// which the coordinator wires to forced owner removal.
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	clock       clockwork.Clock
	logger      *zap.Logger
	nodes       map[string]*NodeHealth
	httpClient  *http.Client
	checkFunc   CheckFunc
	onUnhealthy func(node cluster.NodeInfo)
	cancel      context.CancelFunc
	cfg         HealthMonitorConfig
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// NewHealthMonitor creates a monitor. Zero config fields fall back to a 5s interval,
// a 2s timeout and 3 failures.
func NewHealthMonitor(cfg HealthMonitorConfig, clock clockwork.Clock, logger *zap.Logger) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	h := &HealthMonitor{
		cfg:        cfg,
		clock:      clock,
		logger:     logger.Named("health"),
		nodes:      make(map[string]*NodeHealth),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked, in its own goroutine, when a node
// turns unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(node cluster.NodeInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the HTTP check.
func (h *HealthMonitor) SetCheckFunction(checkFunc CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// Start checks all nodes immediately and then every interval, until ctx is
// cancelled or Stop is called. It blocks.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	defer h.wg.Done()

	ticker := h.clock.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", zap.Duration("interval", h.cfg.Interval))
	h.checkAllNodes(ctx, nodeProvider())

	for {
		select {
		case <-ticker.Chan():
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Info("health monitor stopped")
			return
		}
	}
}

// Stop cancels Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.mu.RLock()
	cancel := h.cancel
	h.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// checkAllNodes checks every node and forgets nodes no longer in the cluster.
func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			h.logger.Debug("node removed from health monitoring", zap.String("node", id))
		}
	}
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := h.clock.Now()
		health = &NodeHealth{
			NodeID:      node.ID,
			Addr:        node.Addr,
			Status:      HealthUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.nodes[node.ID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	err := check(checkCtx, node.Addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = h.clock.Now()
	if err == nil {
		if health.Status == HealthUnhealthy {
			h.logger.Info("node recovered", zap.String("node", node.ID))
		}
		health.Status = HealthHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.logger.Warn("health check failed",
		zap.String("node", node.ID),
		zap.Int("attempt", health.ConsecutiveFails),
		zap.Int("max_failures", h.cfg.MaxFailures),
		zap.Error(err),
	)
	if health.ConsecutiveFails < h.cfg.MaxFailures || health.Status == HealthUnhealthy {
		return
	}

	health.Status = HealthUnhealthy
	h.logger.Error("node marked unhealthy", zap.String("node", node.ID), zap.Int("failures", health.ConsecutiveFails))
	if h.onUnhealthy != nil {
		go h.onUnhealthy(node)
	}
}

// defaultHealthCheck GETs {addr}/health and expects 200.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	url = strings.TrimRight(url, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if h.cfg.CacheName != "" {
		req.Header.Set(cluster.HeaderCoordinator, h.cfg.CacheName)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the health record of a node, or nil.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of all health records keyed by node ID.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether the last check of a node succeeded.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == HealthHealthy
}
