package cluster

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Headers of the key value API served by nodes and forwarded by the coordinator.
const (
	// HeaderUpdateCounter carries the update counter of the entry read or written.
	HeaderUpdateCounter = "X-Update-Counter"
	// HeaderExpectedUpdateCounter turns a PUT into a conditional update. 0
	// expects the key to be absent.
	HeaderExpectedUpdateCounter = "X-Expected-Update-Counter"
	// HeaderExpiresAt carries the RFC 3339 expiration of the entry read.
	HeaderExpiresAt = "X-Expires-At"
	// HeaderCoordinator marks a health check sent by the coordinator. Its value
	// is the cache name; nodes of that cache extend their leases on it.
	HeaderCoordinator = "X-Coordinator-Cache"
	// HeaderReplicate marks a write the primary copies to a replica.
	HeaderReplicate = "X-Replicate"
)

// MaxBodyBytes bounds every JSON request body. Transfer payloads are the
// largest.
const MaxBodyBytes = 256 << 20

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, ErrorResponse{Error: err.Error()})
}

// DecodeJSON reads a JSON request body into v.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("bad json: %w", err)
	}
	return nil
}
