package tools_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceponatia/kobold-mcp/internal/config"
	"github.com/ceponatia/kobold-mcp/internal/kobold"
	"github.com/ceponatia/kobold-mcp/internal/protocol"
	"github.com/ceponatia/kobold-mcp/internal/tools"
)

func newTestResources(t *testing.T, handler http.HandlerFunc) *tools.Resources {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default().Kobold
	cfg.URL = srv.URL
	cfg.MaxRetries = 0
	cfg.RetryDelay = time.Millisecond

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return tools.NewResources(kobold.NewClient(cfg, 5, logger), srv.URL, logger)
}

func decodeResourceJSON(t *testing.T, res protocol.ReadResourceResult) map[string]any {
	t.Helper()
	require.Len(t, res.Contents, 1)
	assert.Equal(t, "application/json", res.Contents[0].MimeType)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Contents[0].Text), &doc))
	return doc
}

func TestResourceDeclarations(t *testing.T) {
	r := newTestResources(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	})

	decls := r.Declarations()
	require.Len(t, decls, 2)
	assert.Equal(t, tools.ModelInfoURI, decls[0].URI)
	assert.Equal(t, "Model Information", decls[0].Name)
	assert.Equal(t, tools.ServerStatusURI, decls[1].URI)
	assert.Equal(t, "Server Status", decls[1].Name)
}

func TestReadModelInfo(t *testing.T) {
	r := newTestResources(t, func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/api/v1/model", req.URL.Path)
		w.Write([]byte(`{"model_name": "llama-3-8b", "max_context_length": 8192}`))
	})

	res, err := r.ReadModelInfo(context.Background(), tools.ModelInfoURI)
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, tools.ModelInfoURI, res.Contents[0].URI)

	doc := decodeResourceJSON(t, res)
	assert.Equal(t, "llama-3-8b", doc["model_name"])
	assert.Equal(t, float64(8192), doc["context_length"])
}

func TestReadModelInfoBackendDown(t *testing.T) {
	r := newTestResources(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	// A dead backend degrades to an error document, not a failed read.
	res, err := r.ReadModelInfo(context.Background(), tools.ModelInfoURI)
	require.NoError(t, err)

	doc := decodeResourceJSON(t, res)
	assert.Contains(t, doc["error"], "Failed to get model info")
}

func TestReadServerStatus(t *testing.T) {
	r := newTestResources(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/extra/generate/check":
			w.Write([]byte(`{"ready": true, "generating": true}`))
		case "/api/v1/model":
			w.Write([]byte(`{"model_name": "llama-3-8b", "max_context_length": 8192}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	res, err := r.ReadServerStatus(context.Background(), tools.ServerStatusURI)
	require.NoError(t, err)

	doc := decodeResourceJSON(t, res)
	assert.Equal(t, true, doc["online"])
	assert.Equal(t, true, doc["model_loaded"])
	assert.Equal(t, true, doc["generation_active"])
	assert.Equal(t, "llama-3-8b", doc["model_name"])
	assert.Equal(t, float64(8192), doc["context_length"])
	assert.NotEmpty(t, doc["server_url"])
}

func TestReadServerStatusBackendDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	cfg := config.Default().Kobold
	cfg.URL = url
	cfg.MaxRetries = 0
	cfg.RetryDelay = time.Millisecond
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := tools.NewResources(kobold.NewClient(cfg, 5, logger), url, logger)

	res, err := r.ReadServerStatus(context.Background(), tools.ServerStatusURI)
	require.NoError(t, err)

	doc := decodeResourceJSON(t, res)
	assert.Equal(t, false, doc["online"])
	assert.Equal(t, false, doc["model_loaded"])
}
