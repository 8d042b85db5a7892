package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// RegisterRequest announces a node. Cache, when set, is checked against the
// coordinator's constants before the node is given any bucket.
type RegisterRequest struct {
	Node  NodeInfo     `json:"node"`
	Cache *ClusterInfo `json:"cache,omitempty"`
}

// RegisterResponse carries the cluster-wide constants a node must agree with.
type RegisterResponse struct {
	Cache ClusterInfo `json:"cache"`
}

type LeaveRequest struct {
	NodeID string `json:"node_id"`
}

// ClusterInfo describes the cache served by a coordinator. Every field must be
// identical on all nodes of a cluster.
type ClusterInfo struct {
	CacheName    string `json:"cache_name"`
	KeyHasher    string `json:"key_hasher"`
	BucketCount  int    `json:"bucket_count"`
	ReplicaCount int    `json:"replica_count"`
}

// ErrClusterMismatch is returned when a node and its coordinator disagree on the
// cluster-wide constants.
var ErrClusterMismatch = errors.New("cluster constants mismatch")

// Check compares the constants with the ones a node was configured with.
func (c ClusterInfo) Check(local ClusterInfo) error {
	if c != local {
		return fmt.Errorf("%w: coordinator %+v, node %+v", ErrClusterMismatch, c, local)
	}
	return nil
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HTTPError is returned for responses with a status code of 300 or above.
type HTTPError struct {
	URL        string
	Message    string
	StatusCode int
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		httpErr := &HTTPError{URL: req.URL.String(), StatusCode: resp.StatusCode}
		var body ErrorResponse
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && json.Unmarshal(data, &body) == nil {
			httpErr.Message = body.Error
		}
		return httpErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// NewBackOff returns the retry policy used for registration and command delivery:
// exponential from 50ms, capped at 2s between attempts and maxElapsed in total.
func NewBackOff(maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = maxElapsed
	return b
}

// PostJSONRetry is PostJSON retried with policy. Client errors (4xx) are not
// retried.
func PostJSONRetry(ctx context.Context, url string, body any, out any, policy backoff.BackOff) error {
	op := func() error {
		err := PostJSON(ctx, url, body, out)
		if code := StatusCode(err); code >= 400 && code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}
