// Package api is the relay's HTTP surface.
//
// It serves the two WebSocket endpoints, the controller command endpoint
// and a small set of operational routes:
//
//	GET  /                  liveness banner
//	GET  /ws/device         device connections (?deviceId=, x-username/x-password headers)
//	GET  /ws/browser        observer connections
//	POST /command           controller commands, optionally behind a bearer token
//	GET  /api/v1/health     status and version
//	GET  /api/v1/metrics    JSON system snapshot
//	GET  /api/v1/audit      lifecycle audit trail
//	GET  /metrics           Prometheus exposition
//
// WebSocket connections are adapted to gateway.Transport and driven by a
// read loop per connection; all registry and routing decisions belong to
// the gateway package.
package api
