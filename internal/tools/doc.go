// Package tools implements the text-generation capabilities and resources
// exposed over the protocol. Each tool is a thin validating shim over the
// kobold client: it checks arguments against the declared schema, applies
// the configured security ceilings, and shapes the backend result into
// protocol content items.
package tools
