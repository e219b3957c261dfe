// Package kobold implements the HTTP client for a KoboldCpp backend. It
// speaks both the native generate API and the OpenAI-compatible chat
// endpoint, with pooled connections, bounded concurrency, and retries for
// transient failures.
package kobold
