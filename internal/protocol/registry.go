package protocol

import (
	"fmt"
	"log/slog"
)

// Registry holds the capability and resource entries the gateway exposes.
// Entries are registered once during process startup, before the server
// begins accepting sessions, and are read-only afterwards. All sessions
// share the same registry by reference; no locking is needed because
// mutation is confined to the startup phase.
type Registry struct {
	logger *slog.Logger

	tools     []toolEntry
	toolIndex map[string]int

	resources     []resourceEntry
	resourceIndex map[string]int
}

type toolEntry struct {
	decl    Tool
	handler ToolHandler
}

type resourceEntry struct {
	decl    Resource
	handler ResourceHandler
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:        logger.With(slog.String("component", "registry")),
		toolIndex:     make(map[string]int),
		resourceIndex: make(map[string]int),
	}
}

// RegisterTool adds a capability entry. Names must be unique.
func (r *Registry) RegisterTool(decl Tool, handler ToolHandler) error {
	if decl.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler must not be nil", decl.Name)
	}
	if _, ok := r.toolIndex[decl.Name]; ok {
		return fmt.Errorf("tool %q already registered", decl.Name)
	}

	r.toolIndex[decl.Name] = len(r.tools)
	r.tools = append(r.tools, toolEntry{decl: decl, handler: handler})
	r.logger.Info("registered tool", slog.String("name", decl.Name))

	return nil
}

// RegisterResource adds a resource entry. URIs must be unique.
func (r *Registry) RegisterResource(decl Resource, handler ResourceHandler) error {
	if decl.URI == "" {
		return fmt.Errorf("resource uri must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("resource %q: handler must not be nil", decl.URI)
	}
	if _, ok := r.resourceIndex[decl.URI]; ok {
		return fmt.Errorf("resource %q already registered", decl.URI)
	}

	r.resourceIndex[decl.URI] = len(r.resources)
	r.resources = append(r.resources, resourceEntry{decl: decl, handler: handler})
	r.logger.Info("registered resource", slog.String("uri", decl.URI))

	return nil
}

// Tools returns the tool declarations in registration order. The slice
// is a copy; repeated calls on an unchanged registry return identical
// declaration sets.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, len(r.tools))
	for i, e := range r.tools {
		out[i] = e.decl
	}
	return out
}

// Resources returns the resource declarations in registration order.
func (r *Registry) Resources() []Resource {
	out := make([]Resource, len(r.resources))
	for i, e := range r.resources {
		out[i] = e.decl
	}
	return out
}

func (r *Registry) tool(name string) (ToolHandler, bool) {
	i, ok := r.toolIndex[name]
	if !ok {
		return nil, false
	}
	return r.tools[i].handler, true
}

func (r *Registry) resource(uri string) (ResourceHandler, bool) {
	i, ok := r.resourceIndex[uri]
	if !ok {
		return nil, false
	}
	return r.resources[i].handler, true
}
