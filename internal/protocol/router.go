package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// serverSession is the state machine for one client connection. A session
// starts uninitialized and admits only the initialize request until the
// handshake succeeds; everything else is rejected with a not-initialized
// error. Requests after initialization are handled concurrently, so
// responses may complete out of order.
type serverSession struct {
	session Session
	logger  *slog.Logger

	registry *Registry

	serverInfo   Info
	serverCap    ServerCapabilities
	instructions string

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration
}

// run reads frames from the session until the transport closes it. It is
// the only place the initialized flag mutates, so the flag needs no lock:
// handlers spawned for concurrent requests never touch it.
func (s serverSession) run(done <-chan struct{}) {
	pongIDs := make(chan MustString, 10)
	ended := make(chan struct{})
	go s.keepalive(pongIDs, done, ended)

	// Base context for in-flight handlers. Cancelled when the session
	// ends so backend calls for a vanished client stop promptly.
	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(ended)

	initialized := false

	for frame := range s.session.Messages() {
		var msg JSONRPCMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.Warn("failed to parse message", slog.String("err", err.Error()))
			// Unrecoverable: there is no request id to correlate with.
			s.sendError(nil, jsonRPCParseErrorCode, fmt.Sprintf("Parse error: %v", err))
			continue
		}

		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Warn("invalid jsonrpc version", slog.String("version", msg.JSONRPC))
			if msg.ID != nil {
				s.sendError(msg.ID, jsonRPCInvalidRequestCode,
					fmt.Sprintf("Invalid JSON-RPC version: %s", msg.JSONRPC))
			}
			continue
		}

		// A message without an id is either a notification or a response
		// to one of our pings.
		if msg.ID == nil {
			s.handleNotification(msg)
			continue
		}

		if msg.Method == "" {
			// Response from the client. The only requests we send are
			// pings, so hand the id to the keepalive goroutine.
			select {
			case pongIDs <- *msg.ID:
			default:
			}
			continue
		}

		switch msg.Method {
		case methodPing:
			go s.sendResult(msg.ID, struct{}{})
		case methodInitialize:
			s.handleInitialize(&initialized, msg)
		case MethodToolsList, MethodToolsCall, MethodResourcesList, MethodResourcesRead:
			if !initialized {
				s.sendError(msg.ID, jsonRPCNotInitializedCode, "Server not initialized")
				continue
			}
			go s.handleRequest(baseCtx, msg)
		default:
			s.sendError(msg.ID, jsonRPCMethodNotFoundCode,
				fmt.Sprintf("Method not found: %s", msg.Method))
		}
	}
}

func (s serverSession) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsInitialized:
		s.logger.Info("session initialization acknowledged by client")
	default:
		// Notifications are never answered, even unknown ones.
		s.logger.Warn("unknown notification", slog.String("method", msg.Method))
	}
}

// handleInitialize runs inline in the read loop so the initialized flag
// mutates in exactly one goroutine. A version mismatch leaves the session
// uninitialized; the client may retry with a supported version.
func (s serverSession) handleInitialize(initialized *bool, msg JSONRPCMessage) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.sendError(msg.ID, jsonRPCInvalidParamsCode,
			fmt.Sprintf("Invalid initialize params: %v", err))
		return
	}

	if params.ProtocolVersion != ProtocolVersion {
		s.logger.Warn("unsupported protocol version requested",
			slog.String("requestedVersion", params.ProtocolVersion))
		s.sendError(msg.ID, jsonRPCInvalidParamsCode,
			fmt.Sprintf("Unsupported protocol version: %s", params.ProtocolVersion))
		return
	}

	*initialized = true
	s.logger.Info("session initialized",
		slog.String("clientName", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version))

	s.sendResult(msg.ID, initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	})
}

// handleRequest dispatches an initialized-session request. It runs in its
// own goroutine; a panicking capability handler is converted into an
// internal error response and the session keeps serving.
func (s serverSession) handleRequest(ctx context.Context, msg JSONRPCMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while handling request",
				slog.String("method", msg.Method),
				slog.Any("panic", r))
			s.sendError(msg.ID, jsonRPCInternalErrorCode,
				fmt.Sprintf("Internal error: %v", r))
		}
	}()

	var (
		result any
		rpcErr *JSONRPCError
	)

	switch msg.Method {
	case MethodToolsList:
		result = ListToolsResult{Tools: s.registry.Tools()}
	case MethodToolsCall:
		result, rpcErr = s.callTool(ctx, msg)
	case MethodResourcesList:
		result = ListResourcesResult{Resources: s.registry.Resources()}
	case MethodResourcesRead:
		result, rpcErr = s.readResource(ctx, msg)
	}

	if rpcErr != nil {
		s.sendError(msg.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	s.sendResult(msg.ID, result)
}

// callTool invokes a registered tool. Execution failures are reported
// inside the result with IsError set; only malformed params or an unknown
// tool name produce a protocol-level error.
func (s serverSession) callTool(ctx context.Context, msg JSONRPCMessage) (any, *JSONRPCError) {
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, &JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("Invalid tool call params: %v", err),
		}
	}

	handler, ok := s.registry.tool(params.Name)
	if !ok {
		return nil, &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("Tool not found: %s", params.Name),
		}
	}

	start := time.Now()
	res, err := handler(ctx, params.Arguments)
	if err != nil {
		s.logger.Error("tool execution failed",
			slog.String("tool", params.Name),
			slog.String("err", err.Error()))
		return CallToolResult{
			Content: []any{map[string]any{
				"type": "text",
				"text": fmt.Sprintf("Tool execution failed: %v", err),
			}},
			IsError: true,
		}, nil
	}

	s.logger.Debug("tool executed",
		slog.String("tool", params.Name),
		slog.Duration("duration", time.Since(start)))

	return CallToolResult{Content: normalizeContent(res)}, nil
}

func (s serverSession) readResource(ctx context.Context, msg JSONRPCMessage) (any, *JSONRPCError) {
	var params ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, &JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("Invalid resource read params: %v", err),
		}
	}
	if params.URI == "" {
		return nil, &JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: "Missing required parameter: uri",
		}
	}

	handler, ok := s.registry.resource(params.URI)
	if !ok {
		return nil, &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("Resource not found: %s", params.URI),
		}
	}

	res, err := handler(ctx, params.URI)
	if err != nil {
		s.logger.Error("resource read failed",
			slog.String("uri", params.URI),
			slog.String("err", err.Error()))
		return nil, &JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Sprintf("Resource read failed: %v", err),
		}
	}

	return res, nil
}

// normalizeContent shapes a tool handler result into a content list. A
// single content object becomes a one-element list, a list passes through,
// and anything else is rendered as plain text.
func normalizeContent(res any) []any {
	switch v := res.(type) {
	case nil:
		return []any{}
	case map[string]any:
		return []any{v}
	case []any:
		return v
	case []map[string]any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, item)
		}
		return out
	default:
		return []any{map[string]any{
			"type": "text",
			"text": fmt.Sprint(v),
		}}
	}
}

func (s serverSession) sendResult(id *MustString, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		s.sendError(id, jsonRPCInternalErrorCode, fmt.Sprintf("Internal error: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  raw,
	}); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s serverSession) sendError(id *MustString, code int, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}); err != nil {
		s.logger.Error("failed to send error response", slog.String("err", err.Error()))
	}
}
