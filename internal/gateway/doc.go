// Package gateway runs the handover-gateway servers.
//
// # Overview
//
// The gateway owns the ownership store, the business hours holder, the
// in-process broadcaster and the handover coordinator, and exposes them over
// HTTP. An optional gRPC server carries the standard health service, and an
// optional AMQP broker shares committed snapshots with other instances.
//
// # HTTP API
//
// Every /api route requires a bearer token (see package auth). Claims and
// releases need an operator token; agent messages and inbound events need a
// service token.
//
//   - GET /api/conversations/{key}/ownership - current snapshot
//   - POST /api/conversations/{key}/claim - operator takes over ({"version": n} pins the snapshot)
//   - POST /api/conversations/{key}/release - hand back to the agent
//   - GET /api/conversations/{key}/auto-reply - may the agent reply now?
//   - POST /api/conversations/{key}/agent-message - record an agent reply (409 when suppressed)
//   - GET /api/conversations/{key}/history - transition audit log
//   - GET /api/conversations/{key}/stream - SSE "ownership" events
//   - POST /api/events - message-send events from the webhook pipeline
//   - GET /health, GET /health/ready - liveness and readiness
//   - GET /metrics - counter snapshot, when metrics are enabled
//
// # Errors
//
// Lost races and invalid transitions answer 409; a lost race includes the
// winning snapshot. Store failures answer 503: the write may or may not have
// landed, so clients re-read.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger, gateway.WithConfigPath(path))
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run returns after ctx is canceled and the servers have drained. With a
// config path, edits to the business_hours section apply without restart.
package gateway
