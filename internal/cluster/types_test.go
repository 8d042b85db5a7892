package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNodeInfo tests the NodeInfo JSON field names
func TestNodeInfo(t *testing.T) {
	node := NodeInfo{ID: "test-node-1", Addr: "http://localhost:8080"}

	data, err := json.Marshal(RegisterRequest{Node: node})
	require.NoError(t, err)
	assert.JSONEq(t, `{"node":{"id":"test-node-1","addr":"http://localhost:8080"}}`, string(data))

	var decoded RegisterRequest
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, node, decoded.Node)
	assert.Nil(t, decoded.Cache)
}

func TestClusterInfoCheck(t *testing.T) {
	local := ClusterInfo{CacheName: "c", KeyHasher: "xxhash", BucketCount: 2053, ReplicaCount: 1}

	tests := []struct {
		name    string
		remote  ClusterInfo
		wantErr bool
	}{
		{name: "identical", remote: local},
		{name: "bucket count differs", remote: ClusterInfo{CacheName: "c", KeyHasher: "xxhash", BucketCount: 1024, ReplicaCount: 1}, wantErr: true},
		{name: "hasher differs", remote: ClusterInfo{CacheName: "c", KeyHasher: "crc16", BucketCount: 2053, ReplicaCount: 1}, wantErr: true},
		{name: "cache differs", remote: ClusterInfo{CacheName: "d", KeyHasher: "xxhash", BucketCount: 2053, ReplicaCount: 1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.remote.Check(local)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrClusterMismatch)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestPostJSON tests the PostJSON function with various scenarios
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		requestBody    any
		responseBody   any
		expectStatus   int
		expectMessage  string
		expectError    bool
		contextTimeout bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "successful POST without response body",
			serverResponse: http.StatusNoContent,
			requestBody:    map[string]string{"test": "data"},
		},
		{
			name:           "server error response",
			serverResponse: http.StatusInternalServerError,
			serverBody:     `{"error":"internal error"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			expectStatus:   http.StatusInternalServerError,
			expectMessage:  "internal error",
		},
		{
			name:           "conflict without body",
			serverResponse: http.StatusConflict,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			expectStatus:   http.StatusConflict,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:           "unmarshalable request body",
			serverResponse: http.StatusOK,
			requestBody:    make(chan int),
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					_, _ = w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Millisecond)
				defer cancel()
			}

			err := PostJSON(ctx, server.URL, tt.requestBody, tt.responseBody)
			if !tt.expectError {
				require.NoError(t, err)
				if tt.responseBody != nil {
					assert.Equal(t, "ok", (*tt.responseBody.(*map[string]string))["status"])
				}
				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.expectStatus, StatusCode(err))
			if tt.expectMessage != "" {
				var httpErr *HTTPError
				require.True(t, errors.As(err, &httpErr))
				assert.Equal(t, tt.expectMessage, httpErr.Message)
				assert.Contains(t, err.Error(), tt.expectMessage)
			}
		})
	}
}

// TestPostJSONInvalidURL tests PostJSON with invalid URL
func TestPostJSONInvalidURL(t *testing.T) {
	ctx := context.Background()

	assert.Error(t, PostJSON(ctx, "://invalid-url", map[string]string{"test": "data"}, nil))
	assert.Error(t, PostJSON(ctx, "http://localhost:99999", map[string]string{"test": "data"}, nil))
}

func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(NodeInfo{ID: "n1", Addr: "http://n1"})
	}))
	defer server.Close()

	var node NodeInfo
	require.NoError(t, GetJSON(context.Background(), server.URL+"/node", &node))
	assert.Equal(t, "n1", node.ID)

	err := GetJSON(context.Background(), server.URL+"/missing", &node)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.Zero(t, StatusCode(errors.New("plain")))
}

func TestPostJSONRetry(t *testing.T) {
	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		err := PostJSONRetry(context.Background(), server.URL, struct{}{}, nil, backoff.NewConstantBackOff(time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		err := PostJSONRetry(context.Background(), server.URL, struct{}{}, nil, backoff.NewConstantBackOff(time.Millisecond))
		assert.Equal(t, http.StatusBadRequest, StatusCode(err))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("gives up after max elapsed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		err := PostJSONRetry(context.Background(), server.URL, struct{}{}, nil, NewBackOff(100*time.Millisecond))
		assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	})
}

func TestServerHelpers(t *testing.T) {
	t.Run("write error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, http.StatusConflict, errors.New("stale"))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"error":"stale"}`, rec.Body.String())
	})

	t.Run("decode", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/leave", strings.NewReader(`{"node_id":"n1"}`))
		var out LeaveRequest
		require.NoError(t, DecodeJSON(httptest.NewRecorder(), req, &out))
		assert.Equal(t, "n1", out.NodeID)

		req = httptest.NewRequest(http.MethodPost, "/leave", strings.NewReader(`{`))
		assert.ErrorContains(t, DecodeJSON(httptest.NewRecorder(), req, &out), "bad json")
	})
}
