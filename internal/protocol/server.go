package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server accepts transport sessions and drives one protocol session state
// machine per connection. It owns no capability logic itself; requests
// are dispatched through the shared Registry.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities

	transport ServerTransport
	registry  *Registry

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	sessionsWaitGroup *sync.WaitGroup

	done   chan struct{}
	closed chan struct{}
}

var (
	defaultPingInterval         = 30 * time.Second
	defaultPingTimeout          = 30 * time.Second
	defaultPingTimeoutThreshold = 3
	defaultSendTimeout          = 30 * time.Second
)

// NewServer creates a protocol server for the given transport and
// registry. The registry must be fully populated before Serve is called;
// it is shared read-only by every session.
func NewServer(info Info, transport ServerTransport, registry *Registry, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		registry:          registry,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
		closed:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultSendTimeout
	}

	// Both lists are advertised as mutable even though the registry is
	// frozen after startup; clients are expected to tolerate change.
	s.capabilities = ServerCapabilities{
		Tools:        &ToolsCapability{ListChanged: true},
		Resources:    &ResourcesCapability{ListChanged: true},
		Experimental: map[string]any{},
	}

	return s
}

// WithInstructions returns a ServerOption that configures the server
// instructions sent in the initialize result.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithPingInterval returns a ServerOption that configures the keepalive
// ping interval. A negative interval disables pings entirely.
func WithPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithPingTimeout returns a ServerOption that configures the ping send
// timeout.
func WithPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithPingTimeoutThreshold sets the ping timeout threshold. If the number
// of consecutive ping timeouts exceeds the threshold, the server closes
// the session.
func WithPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithSendTimeout returns a ServerOption that configures the timeout for
// outbound messages.
func WithSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "protocol"),
			slog.String("component", "server"),
		)
	}
}

// Serve accepts sessions from the transport and blocks until the
// transport's session iterator ends. Each session runs its own state
// machine in a dedicated goroutine; a failure inside one session never
// affects another.
func (s Server) Serve() {
	defer close(s.closed)

	for sess := range s.transport.Sessions() {
		ss := serverSession{
			session:              sess,
			logger:               s.logger.With(slog.String("sessionID", sess.ID())),
			registry:             s.registry,
			serverInfo:           s.info,
			serverCap:            s.capabilities,
			instructions:         s.instructions,
			pingInterval:         s.pingInterval,
			pingTimeout:          s.pingTimeout,
			pingTimeoutThreshold: s.pingTimeoutThreshold,
			sendTimeout:          s.sendTimeout,
		}

		s.sessionsWaitGroup.Add(1)
		go func() {
			defer s.sessionsWaitGroup.Done()
			ss.run(s.done)
		}()
	}
}

// Shutdown gracefully shuts down the server by terminating all active
// sessions and closing the transport. It returns an error if the
// transport shutdown fails or the context is cancelled first.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal all sessions to close.
	close(s.done)

	// Wait for all session goroutines to finish.
	s.sessionsWaitGroup.Wait()

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to stop serve loop: %w", ctx.Err())
	case <-s.closed:
	}

	return nil
}

// keepalive owns the session lifetime. It closes the session when the
// server shuts down, when the read loop ends, or when too many
// consecutive pings go unanswered. It is the only goroutine that calls
// Stop, so Stop is called exactly once per session.
func (s serverSession) keepalive(pongIDs <-chan MustString, done, ended <-chan struct{}) {
	defer s.session.Stop()

	if s.pingInterval < 0 {
		select {
		case <-done:
		case <-ended:
		}
		return
	}

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	var msgID MustString

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			return
		}

		select {
		case <-done:
			return
		case <-ended:
			return
		case id := <-pongIDs:
			// Received an id from a client response; check whether it
			// matches the ping we sent.
			if id != msgID {
				continue
			}
			s.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			continue
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)

		msgID = MustString(uuid.New().String())

		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID.Ptr(),
			Method:  methodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to client",
				slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}
