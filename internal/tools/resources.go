package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ceponatia/kobold-mcp/internal/kobold"
	"github.com/ceponatia/kobold-mcp/internal/protocol"
)

// Resource URIs served by the gateway.
const (
	ModelInfoURI    = "koboldcpp://model/info"
	ServerStatusURI = "koboldcpp://server/status"
)

// Resources serves the read-only backend introspection resources. Backend
// failures degrade to an error document inside the resource contents
// rather than failing the read: a status resource that errors when the
// backend is down would defeat its purpose.
type Resources struct {
	client     *kobold.Client
	backendURL string
	logger     *slog.Logger
}

// NewResources creates the resource handlers for the given backend
// client. backendURL is echoed in the status document.
func NewResources(client *kobold.Client, backendURL string, logger *slog.Logger) *Resources {
	return &Resources{
		client:     client,
		backendURL: backendURL,
		logger:     logger.With(slog.String("component", "resources")),
	}
}

// Declarations returns the resource declarations in registration order.
func (r *Resources) Declarations() []protocol.Resource {
	return []protocol.Resource{
		{
			URI:         ModelInfoURI,
			Name:        "Model Information",
			Description: "Current KoboldCpp model information and capabilities",
			MimeType:    "application/json",
		},
		{
			URI:         ServerStatusURI,
			Name:        "Server Status",
			Description: "KoboldCpp server status and health information",
			MimeType:    "application/json",
		},
	}
}

// ReadModelInfo is the handler for the model info resource.
func (r *Resources) ReadModelInfo(ctx context.Context, uri string) (protocol.ReadResourceResult, error) {
	info, err := r.client.GetModelInfo(ctx)
	if err != nil {
		r.logger.Error("failed to get model info", slog.String("err", err.Error()))
		return jsonResource(uri, map[string]any{
			"error": fmt.Sprintf("Failed to get model info: %v", err),
		})
	}

	return jsonResource(uri, info)
}

// ReadServerStatus is the handler for the server status resource.
func (r *Resources) ReadServerStatus(ctx context.Context, uri string) (protocol.ReadResourceResult, error) {
	status := r.client.CheckStatus(ctx)

	return jsonResource(uri, map[string]any{
		"online":            status.Online,
		"model_loaded":      status.ModelLoaded,
		"model_name":        status.ModelName,
		"context_length":    status.ContextLength,
		"generation_active": status.GenerationActive,
		"server_url":        r.backendURL,
	})
}

func jsonResource(uri string, doc any) (protocol.ReadResourceResult, error) {
	text, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return protocol.ReadResourceResult{}, fmt.Errorf("failed to marshal resource document: %w", err)
	}

	return protocol.ReadResourceResult{
		Contents: []protocol.ResourceContents{
			{
				URI:      uri,
				MimeType: "application/json",
				Text:     string(text),
			},
		},
	}, nil
}
