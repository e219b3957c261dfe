// Package protocol implements the MCP (Model Context Protocol) session
// layer of the gateway: JSON-RPC 2.0 message framing, the per-session
// initialization state machine, the capability and resource registries,
// and the stdio and SSE server transports.
//
// The package is deliberately ignorant of what the registered tools do.
// Capabilities are registered as opaque handlers alongside their
// declarations; the router only dispatches to them and shapes their
// results into protocol responses.
package protocol
