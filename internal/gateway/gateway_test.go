package gateway

import (
	"bufio"
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
)

// fakeBackend answers the KoboldCpp endpoints the gateway touches.
func fakeBackend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/extra/generate/check":
			w.Write([]byte(`{"ready": true, "generating": false}`))
		case "/api/v1/model":
			w.Write([]byte(`{"model_name": "test-model", "max_context_length": 4096}`))
		case "/api/v1/generate":
			w.Write([]byte(`{"results":[{"text":"generated text"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

type stdioClient struct {
	t   *testing.T
	in  io.Writer
	out *bufio.Scanner
}

func (c *stdioClient) call(id, method string, params any) map[string]any {
	c.t.Helper()

	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	frame, err := json.Marshal(req)
	require.NoError(c.t, err)
	frame = append(frame, '\n')
	_, err = c.in.Write(frame)
	require.NoError(c.t, err)

	require.True(c.t, c.out.Scan(), "expected a response for %s", method)
	var resp map[string]any
	require.NoError(c.t, json.Unmarshal(c.out.Bytes(), &resp))
	require.Equal(c.t, id, resp["id"])
	require.Nil(c.t, resp["error"], "unexpected error for %s: %v", method, resp["error"])

	result, ok := resp["result"].(map[string]any)
	require.True(c.t, ok, "result for %s should be an object", method)
	return result
}

func TestGatewayStdIORoundTrip(t *testing.T) {
	backend := httptest.NewServer(fakeBackend())
	defer backend.Close()

	cfg := config.Default()
	cfg.Kobold.URL = backend.URL
	cfg.Kobold.RetryDelay = time.Millisecond
	// No keepalive pings during the test.
	cfg.Server.PingInterval = -1

	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()

	g := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.in = inReader
	g.out = outWriter

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- g.Run(ctx) }()

	client := &stdioClient{t: t, in: inWriter, out: bufio.NewScanner(outReader)}

	initRes := client.call("1", "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "test-client", "version": "0.0.1"},
		"capabilities":    map[string]any{},
	})
	serverInfo := initRes["serverInfo"].(map[string]any)
	assert.Equal(t, Name, serverInfo["name"])
	assert.Equal(t, Version, serverInfo["version"])

	_, err := inWriter.Write([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"))
	require.NoError(t, err)

	listRes := client.call("2", "tools/list", nil)
	toolList := listRes["tools"].([]any)
	require.Len(t, toolList, 4)
	first := toolList[0].(map[string]any)
	assert.Equal(t, "generate_text", first["name"])

	callRes := client.call("3", "tools/call", map[string]any{
		"name":      "generate_text",
		"arguments": map[string]any{"prompt": "hello"},
	})
	content := callRes["content"].([]any)
	require.Len(t, content, 1)
	item := content[0].(map[string]any)
	assert.Equal(t, "generated text", item["text"])

	readRes := client.call("4", "resources/read", map[string]any{
		"uri": "koboldcpp://model/info",
	})
	contents := readRes["contents"].([]any)
	require.Len(t, contents, 1)
	doc := contents[0].(map[string]any)
	assert.Contains(t, doc["text"], "test-model")

	cancel()
	inWriter.Close()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestGatewayUnknownTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Transport = "carrier-pigeon"

	backend := httptest.NewServer(fakeBackend())
	defer backend.Close()
	cfg.Kobold.URL = backend.URL

	g := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := g.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}
