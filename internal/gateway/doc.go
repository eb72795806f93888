// Package gateway orchestrates the archive-gateway server components.
//
// # Overview
//
// Gateway owns every long-lived component: the archive store, the session
// registry, the IQ router with the conversation removal handler, the message
// relay, the dedupe cache, the metrics registry, and the stream server.
// New wires them together; Run listens and blocks; Shutdown releases them.
//
// # Store Selection
//
// database.driver picks the backend:
//
//   - sqlite (default): modernc.org/sqlite at database.path, overridable with
//     ARCHIVE_DB_PATH
//   - postgres: pgx pool at database.dsn
//
// # HTTP Surface
//
//   - GET /health - Liveness check
//   - GET /health/ready - Store ping plus bound session count
//   - GET /metrics - Prometheus scrape (metrics.enabled)
//   - GET /api/archive/{with}?limit=N - Caller's visible history with one
//     counterpart (bearer JWT)
//   - GET /xmpp-websocket - XMPP client streams (see package stream)
//
// # gRPC Health
//
// When server.grpc_addr is set, or Tailscale is enabled, a gRPC server
// carries the standard grpc.health.v1 service. Both "" and "archive.Gateway"
// report NOT_SERVING until Run has its listeners, SERVING while running,
// and NOT_SERVING again once Shutdown starts.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet instead
// of binding TCP addresses. HTTP is served on :80, on :443 with
// tailscale.cert_file/key_file, or publicly through Funnel. gRPC health
// listens on :50051.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
//	cancel() // Run calls Shutdown with a fresh 5s deadline
package gateway
