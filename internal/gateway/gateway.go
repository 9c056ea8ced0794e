// Package gateway defines the interface for externally reachable surfaces.
// The HTTP API gateway is the only listener; the event stream and the MCP
// tool server are mounted on it.
package gateway

import "context"

// Gateway is a network entry point to the workflow service.
type Gateway interface {
	// Start begins serving and blocks until the gateway exits or the
	// context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}
