// Package engine is the composition root of panelsync. It builds the catalog,
// reconciler, state store, router, supervisor and poller from configuration,
// runs them together with the housekeeping loops (midnight roll, stale sweep,
// energy persistence) and the configured sinks, and exposes a read API and an
// EventBus to frontends. Frontends (CLI, HTTP API, MCP server) never import
// the lower-level packages for writing.
package engine
