package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/netutil"

	"github.com/ceponatia/kobold-mcp/internal/config"
	"github.com/ceponatia/kobold-mcp/internal/kobold"
	"github.com/ceponatia/kobold-mcp/internal/protocol"
	"github.com/ceponatia/kobold-mcp/internal/tools"
)

// Name and Version identify this gateway in the initialize handshake.
const (
	Name    = "koboldcpp-mcp-server"
	Version = "1.0.0"
)

const shutdownTimeout = 10 * time.Second

// Gateway is the composed server. Construct with New and drive with Run.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	// in and out default to stdin/stdout; tests swap them.
	in  io.Reader
	out io.Writer
}

// New creates a gateway from the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		logger: logger,
		in:     os.Stdin,
		out:    os.Stdout,
	}
}

// Run starts the gateway and blocks until ctx is cancelled or the
// transport ends (for stdio, when the peer closes the stream). It always
// attempts a graceful shutdown before returning.
func (g *Gateway) Run(ctx context.Context) error {
	client := kobold.NewClient(g.cfg.Kobold, g.cfg.Performance.MaxConcurrentRequests, g.logger)
	client.Connect()
	defer client.Disconnect()

	healthCtx, cancel := context.WithTimeout(ctx, g.cfg.Kobold.Timeout)
	online := client.HealthCheck(healthCtx)
	cancel()
	if !online {
		g.logger.Warn("KoboldCpp server is not responding",
			slog.String("url", g.cfg.Kobold.URL))
	} else {
		g.logger.Info("connected to KoboldCpp",
			slog.String("url", g.cfg.Kobold.URL))
	}

	audit, auditClose, err := g.auditLogger()
	if err != nil {
		return err
	}
	if auditClose != nil {
		defer auditClose()
	}

	registry, err := g.buildRegistry(client, audit)
	if err != nil {
		return err
	}

	var (
		transport protocol.ServerTransport
		httpSrv   *http.Server
	)
	switch g.cfg.Server.Transport {
	case config.TransportStdIO:
		transport = protocol.NewStdIO(g.in, g.out, g.logger)
	case config.TransportSSE:
		sseTransport := protocol.NewSSEServer(
			fmt.Sprintf("http://%s/message", g.cfg.Server.Addr()), g.logger)

		mux := http.NewServeMux()
		mux.Handle("/sse", sseTransport.HandleSSE())
		mux.Handle("/message", sseTransport.HandleMessage())

		ln, err := net.Listen("tcp", g.cfg.Server.Addr())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", g.cfg.Server.Addr(), err)
		}
		ln = netutil.LimitListener(ln, g.cfg.Server.MaxConnections)

		httpSrv = &http.Server{Handler: mux}
		go func() {
			if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Error("http server failed", slog.String("err", err.Error()))
			}
		}()

		g.logger.Info("listening for SSE connections",
			slog.String("addr", g.cfg.Server.Addr()),
			slog.Int("maxConnections", g.cfg.Server.MaxConnections))

		transport = sseTransport
	default:
		return fmt.Errorf("unknown transport: %s", g.cfg.Server.Transport)
	}

	server := protocol.NewServer(
		protocol.Info{Name: Name, Version: Version},
		transport,
		registry,
		protocol.WithLogger(g.logger),
		protocol.WithPingInterval(g.cfg.Server.PingInterval),
		protocol.WithPingTimeout(g.cfg.Server.PingTimeout),
	)

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		server.Serve()
	}()

	g.logger.Info("gateway started",
		slog.String("transport", g.cfg.Server.Transport))

	select {
	case <-ctx.Done():
		g.logger.Info("shutdown requested")
	case <-serveDone:
		g.logger.Info("transport closed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown protocol server: %w", err))
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
	}

	return errors.Join(errs...)
}

// buildRegistry registers the four text-generation tools and the two
// backend introspection resources.
func (g *Gateway) buildRegistry(client *kobold.Client, audit *slog.Logger) (*protocol.Registry, error) {
	registry := protocol.NewRegistry(g.logger)

	generator := tools.NewGenerator(client, g.cfg, g.logger, audit)
	handlers := map[string]protocol.ToolHandler{
		"generate_text":   generator.GenerateText,
		"chat_completion": generator.ChatCompletion,
		"test_prompt":     generator.TestPrompt,
		"batch_generate":  generator.BatchGenerate,
	}
	for _, decl := range tools.Declarations() {
		if err := registry.RegisterTool(decl, handlers[decl.Name]); err != nil {
			return nil, fmt.Errorf("failed to register tool %s: %w", decl.Name, err)
		}
	}

	resources := tools.NewResources(client, g.cfg.Kobold.URL, g.logger)
	resourceHandlers := map[string]protocol.ResourceHandler{
		tools.ModelInfoURI:    resources.ReadModelInfo,
		tools.ServerStatusURI: resources.ReadServerStatus,
	}
	for _, decl := range resources.Declarations() {
		if err := registry.RegisterResource(decl, resourceHandlers[decl.URI]); err != nil {
			return nil, fmt.Errorf("failed to register resource %s: %w", decl.URI, err)
		}
	}

	return registry, nil
}

// auditLogger opens the audit log if enabled. The returned close function
// is nil when auditing is off.
func (g *Gateway) auditLogger() (*slog.Logger, func(), error) {
	if !g.cfg.Logging.AuditLog {
		return nil, nil, nil
	}

	f, err := os.OpenFile(g.cfg.Logging.AuditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	audit := slog.New(slog.NewJSONHandler(f, nil))
	return audit, func() { f.Close() }, nil
}
