// Package cluster holds the wire types and HTTP helpers shared by the coordinator
// and the storage nodes.
//
// All inter-node traffic is JSON over HTTP:
//
//	node        → coordinator   POST /register, POST /leave
//	node        → coordinator   POST /transfers/complete, POST /transfers/reject
//	coordinator → node          POST /commands, GET /health
//	node        → node          POST /transfers/receive
//
// Non-2xx responses carry an ErrorResponse body and surface as *HTTPError, so
// callers can branch on StatusCode. PostJSONRetry wraps PostJSON with the
// exponential backoff used for registration and command delivery; client errors
// are never retried.
//
// Nodes check the ClusterInfo returned on registration against their own
// configuration. The bucket count in particular must be identical cluster-wide,
// otherwise keys would route to different buckets on different nodes.
package cluster
