// Package gateway assembles the pieces: it builds the backend client,
// registers the tool and resource handlers, picks the configured
// transport, and runs the protocol server until shutdown.
package gateway
