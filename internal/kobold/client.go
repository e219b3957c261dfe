package kobold

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ceponatia/kobold-mcp/internal/config"
)

// samplerOrder is the default KoboldCpp sampler chain. The backend
// expects this exact ordering; it is not user-tunable.
var samplerOrder = []int{6, 0, 1, 3, 4, 2, 5}

// Client is a KoboldCpp API client. It pools connections, caps in-flight
// requests with a weighted semaphore, and retries transient failures with
// exponential backoff. The zero value is not usable; construct with
// NewClient.
//
// Connect is lazy and idempotent, so the client may be used directly
// after construction even when the backend is not up yet.
type Client struct {
	cfg    config.KoboldConfig
	logger *slog.Logger

	// sem caps concurrent backend requests across all sessions.
	sem *semaphore.Weighted

	mu         sync.Mutex
	httpClient *http.Client
}

// NewClient creates a client for the backend described by cfg.
// maxConcurrent bounds in-flight requests across every caller sharing
// this client.
func NewClient(cfg config.KoboldConfig, maxConcurrent int, logger *slog.Logger) *Client {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "kobold")),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Connect initializes the pooled HTTP client. Calling it again is a
// no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient != nil {
		return
	}

	c.httpClient = &http.Client{
		Timeout: c.cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
		},
	}
	c.logger.Info("connected to KoboldCpp", slog.String("url", c.cfg.URL))
}

// Disconnect drops the HTTP client and its idle connections. The client
// reconnects automatically on the next request.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient == nil {
		return
	}
	c.httpClient.CloseIdleConnections()
	c.httpClient = nil
	c.logger.Info("disconnected from KoboldCpp")
}

func (c *Client) client() *http.Client {
	c.Connect()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpClient
}

// doJSON performs one logical request under the concurrency gate. A
// request is retried on 502/503/504 responses and on transport errors,
// sleeping retryDelay*2^attempt between attempts; any other non-200
// status fails immediately. The semaphore is held across retries so a
// flapping backend cannot be hammered by queued callers.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, payload, out any) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire request slot: %w", err)
	}
	defer c.sem.Release(1)

	url := strings.TrimRight(c.cfg.URL, "/") + endpoint

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return fmt.Errorf("request cancelled during backoff: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("request cancelled: %w", ctx.Err())
			}
			lastErr = err
			c.logger.Warn("request failed",
				slog.String("endpoint", endpoint),
				slog.Int("attempt", attempt+1),
				slog.Int("maxAttempts", c.cfg.MaxRetries+1),
				slog.String("err", err.Error()))
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusBadGateway,
			resp.StatusCode == http.StatusServiceUnavailable,
			resp.StatusCode == http.StatusGatewayTimeout:
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			c.logger.Warn("backend unavailable, retrying",
				slog.String("endpoint", endpoint),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1))
			continue
		default:
			errText, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(errText)))
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

type generateRequest struct {
	Prompt           string   `json:"prompt"`
	MaxContextLength int      `json:"max_context_length"`
	MaxLength        int      `json:"max_length"`
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"top_p"`
	TopK             int      `json:"top_k"`
	Typical          float64  `json:"typical"`
	RepPen           float64  `json:"rep_pen"`
	RepPenRange      int      `json:"rep_pen_range"`
	SamplerOrder     []int    `json:"sampler_order"`
	StopSequence     []string `json:"stop_sequence"`
	Stream           bool     `json:"stream"`
}

type generateResponse struct {
	Results []struct {
		Text string `json:"text"`
	} `json:"results"`
}

func newGenerateRequest(params GenerateParams, stream bool) generateRequest {
	stop := params.StopSequence
	if stop == nil {
		stop = []string{}
	}
	return generateRequest{
		Prompt:           params.Prompt,
		MaxContextLength: params.MaxTokens,
		MaxLength:        params.MaxTokens,
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		TopK:             params.TopK,
		Typical:          params.TypicalP,
		RepPen:           params.RepPen,
		RepPenRange:      params.RepPenRange,
		SamplerOrder:     samplerOrder,
		StopSequence:     stop,
		Stream:           stream,
	}
}

// GenerateText generates a completion through the native KoboldCpp API.
// Token counts are whitespace estimates since the native endpoint does
// not report usage.
func (c *Client) GenerateText(ctx context.Context, params GenerateParams) (GenerationResult, error) {
	start := time.Now()

	var resp generateResponse
	if err := c.doJSON(ctx, http.MethodPost, c.cfg.GenerateEndpoint, newGenerateRequest(params, false), &resp); err != nil {
		c.logger.Error("text generation failed", slog.String("err", err.Error()))
		return GenerationResult{}, fmt.Errorf("text generation failed: %w", err)
	}

	var text string
	if len(resp.Results) > 0 {
		text = resp.Results[0].Text
	}

	elapsed := time.Since(start).Seconds()
	tokens := len(strings.Fields(text))

	return GenerationResult{
		Text:            text,
		TokensGenerated: tokens,
		GenerationTime:  elapsed,
		TokensPerSecond: tokensPerSecond(tokens, elapsed),
		FinishReason:    "stop",
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ChatCompletion generates a reply through the OpenAI-compatible chat
// endpoint. The backend ignores the model name, but the field is
// mandatory in the wire format.
func (c *Client) ChatCompletion(ctx context.Context, params ChatParams) (GenerationResult, error) {
	start := time.Now()

	req := chatRequest{
		Model:       "koboldcpp",
		Messages:    params.Messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}

	var resp chatResponse
	if err := c.doJSON(ctx, http.MethodPost, c.cfg.ChatEndpoint, req, &resp); err != nil {
		c.logger.Error("chat completion failed", slog.String("err", err.Error()))
		return GenerationResult{}, fmt.Errorf("chat completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return GenerationResult{}, fmt.Errorf("no choices returned from chat completion")
	}

	text := resp.Choices[0].Message.Content
	finishReason := resp.Choices[0].FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	tokens := resp.Usage.CompletionTokens
	if tokens == 0 {
		tokens = len(strings.Fields(text))
	}

	elapsed := time.Since(start).Seconds()

	return GenerationResult{
		Text:            text,
		TokensGenerated: tokens,
		GenerationTime:  elapsed,
		TokensPerSecond: tokensPerSecond(tokens, elapsed),
		FinishReason:    finishReason,
	}, nil
}

// BatchGenerate runs every prompt of the request concurrently under its
// own gate, nested inside the client-wide one. One result is produced per
// prompt in input order; a failed prompt yields an empty placeholder with
// FinishReason "error" and never aborts its siblings.
func (c *Client) BatchGenerate(ctx context.Context, req BatchRequest) (BatchResult, error) {
	start := time.Now()

	maxConcurrent := req.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	batchSem := semaphore.NewWeighted(int64(maxConcurrent))

	results := make([]GenerationResult, len(req.Prompts))
	errs := make([]error, len(req.Prompts))

	var wg sync.WaitGroup
	for i, prompt := range req.Prompts {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := batchSem.Acquire(ctx, 1); err != nil {
				errs[i] = err
				return
			}
			defer batchSem.Release(1)

			params := req.Parameters
			params.Prompt = prompt

			res, err := c.GenerateText(ctx, params)
			if err != nil {
				c.logger.Error("failed to process batch prompt",
					slog.Int("index", i),
					slog.String("err", err.Error()))
				errs[i] = err
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	successful := 0
	failed := 0
	for i := range results {
		if errs[i] != nil {
			failed++
			results[i] = GenerationResult{FinishReason: "error"}
			continue
		}
		successful++
	}

	return BatchResult{
		Results:    results,
		TotalTime:  time.Since(start).Seconds(),
		Successful: successful,
		Failed:     failed,
	}, nil
}

// StreamGenerate starts a streaming generation and yields tokens as the
// backend emits them. Iteration ends with a non-nil error on transport
// failure, or cleanly when the stream closes. The request bypasses the
// retry loop: a half-delivered stream must not be replayed.
func (c *Client) StreamGenerate(ctx context.Context, params GenerateParams) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			yield("", fmt.Errorf("failed to acquire request slot: %w", err))
			return
		}
		defer c.sem.Release(1)

		body, err := json.Marshal(newGenerateRequest(params, true))
		if err != nil {
			yield("", fmt.Errorf("failed to marshal request body: %w", err))
			return
		}

		url := strings.TrimRight(c.cfg.URL, "/") + c.cfg.GenerateEndpoint
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("failed to create request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client().Do(req)
		if err != nil {
			yield("", fmt.Errorf("streaming request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield("", fmt.Errorf("HTTP %d", resp.StatusCode))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var chunk struct {
				Token *string `json:"token"`
			}
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				// Interleaved non-JSON lines are part of the stream framing.
				continue
			}
			if chunk.Token == nil {
				continue
			}

			if !yield(*chunk.Token, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("failed to read stream: %w", err))
		}
	}
}

// CheckStatus reports backend health. It never returns an error: an
// unreachable backend is reported as offline.
func (c *Client) CheckStatus(ctx context.Context) Status {
	var statusResp struct {
		Ready      bool `json:"ready"`
		Generating bool `json:"generating"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.cfg.StatusEndpoint, nil, &statusResp); err != nil {
		c.logger.Error("failed to check KoboldCpp status", slog.String("err", err.Error()))
		return Status{Online: false, ModelLoaded: false}
	}

	status := Status{
		Online:           true,
		ModelLoaded:      statusResp.Ready,
		GenerationActive: statusResp.Generating,
	}

	// Model info is best effort; older backends lack the endpoint.
	var modelResp struct {
		ModelName        string `json:"model_name"`
		MaxContextLength int    `json:"max_context_length"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.cfg.ModelEndpoint, nil, &modelResp); err == nil {
		status.ModelName = modelResp.ModelName
		status.ContextLength = modelResp.MaxContextLength
	}

	return status
}

// GetModelInfo returns details about the loaded model. Missing fields
// fall back to "unknown" and a 2048-token context.
func (c *Client) GetModelInfo(ctx context.Context) (ModelInfo, error) {
	var resp struct {
		ModelName        string `json:"model_name"`
		MaxContextLength int    `json:"max_context_length"`
		VocabSize        int    `json:"vocab_size"`
		Parameters       string `json:"parameters"`
		Architecture     string `json:"architecture"`
		Format           string `json:"format"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.cfg.ModelEndpoint, nil, &resp); err != nil {
		c.logger.Error("failed to get model info", slog.String("err", err.Error()))
		return ModelInfo{}, fmt.Errorf("failed to get model info: %w", err)
	}

	info := ModelInfo{
		ModelName:     resp.ModelName,
		ContextLength: resp.MaxContextLength,
		VocabSize:     resp.VocabSize,
		Parameters:    resp.Parameters,
		Architecture:  resp.Architecture,
		Format:        resp.Format,
	}
	if info.ModelName == "" {
		info.ModelName = "unknown"
	}
	if info.ContextLength == 0 {
		info.ContextLength = 2048
	}
	return info, nil
}

// HealthCheck reports whether the backend answered its status endpoint.
func (c *Client) HealthCheck(ctx context.Context) bool {
	return c.CheckStatus(ctx).Online
}

func tokensPerSecond(tokens int, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return float64(tokens) / seconds
}
