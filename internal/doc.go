// Package internal documents the roaming hub internals.
//
// The internal tree is organized by responsibility:
// - api: HTTP handlers, middleware, rendering, and routing
// - domain: party registry, registration handshake, authorization race, push engine
// - ocpi: protocol wire types and the peer client
// - storage: database access and repositories (pgx + Postgres)
// - jobs: background workers and queues
// - auth, audit, config, lock, metrics, telemetry, validation: shared infrastructure
//
// Code in internal/ is not meant for external import.
package internal
