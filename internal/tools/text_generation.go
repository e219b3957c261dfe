package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/qri-io/jsonschema"

	"github.com/ceponatia/kobold-mcp/internal/config"
	"github.com/ceponatia/kobold-mcp/internal/kobold"
)

// maxBatchPrompts caps how many prompts one batch_generate call may
// carry.
const maxBatchPrompts = 50

// Generator bundles the four text-generation tools around one shared
// backend client.
type Generator struct {
	client   *kobold.Client
	security config.SecurityConfig
	perf     config.PerformanceConfig
	logger   *slog.Logger

	// audit, when non-nil, receives one record per tool invocation.
	audit *slog.Logger
}

// NewGenerator creates the tool set. The audit logger may be nil to
// disable audit records.
func NewGenerator(client *kobold.Client, cfg *config.Config, logger, audit *slog.Logger) *Generator {
	return &Generator{
		client:   client,
		security: cfg.Security,
		perf:     cfg.Performance,
		logger:   logger.With(slog.String("component", "tools")),
		audit:    audit,
	}
}

func (g *Generator) auditLog(tool string, start time.Time, rawArgs json.RawMessage, err error) {
	if g.audit == nil {
		return
	}
	g.audit.Info("tool invocation",
		slog.String("tool", tool),
		slog.Int("args_bytes", len(rawArgs)),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("success", err == nil))
}

type generateTextArgs struct {
	Prompt       string   `json:"prompt"`
	MaxTokens    int      `json:"max_tokens"`
	Temperature  float64  `json:"temperature"`
	TopP         float64  `json:"top_p"`
	TopK         int      `json:"top_k"`
	TypicalP     float64  `json:"typical_p"`
	RepPen       float64  `json:"rep_pen"`
	RepPenRange  int      `json:"rep_pen_range"`
	StopSequence []string `json:"stop_sequence"`
}

func defaultGenerateTextArgs() generateTextArgs {
	return generateTextArgs{
		MaxTokens:   100,
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        40,
		TypicalP:    1.0,
		RepPen:      1.1,
		RepPenRange: 320,
	}
}

// GenerateText is the handler for the generate_text tool.
func (g *Generator) GenerateText(ctx context.Context, rawArgs json.RawMessage) (any, error) {
	start := time.Now()

	raw, err := validateArgs(ctx, generateTextValidator, rawArgs)
	if err != nil {
		return nil, err
	}

	args := defaultGenerateTextArgs()
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	prompt := args.Prompt
	if g.security.DataSanitization {
		prompt = g.sanitizePrompt(prompt)
	}
	if len(prompt) > g.security.MaxPromptLength {
		err := fmt.Errorf("prompt exceeds maximum length of %d", g.security.MaxPromptLength)
		g.auditLog("generate_text", start, rawArgs, err)
		return nil, err
	}

	params := kobold.GenerateParams{
		Prompt:       prompt,
		MaxTokens:    min(args.MaxTokens, g.security.MaxResponseLength),
		Temperature:  args.Temperature,
		TopP:         args.TopP,
		TopK:         args.TopK,
		TypicalP:     args.TypicalP,
		RepPen:       args.RepPen,
		RepPenRange:  args.RepPenRange,
		StopSequence: args.StopSequence,
	}

	result, err := g.client.GenerateText(ctx, params)
	g.auditLog("generate_text", start, rawArgs, err)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"type": "text",
		"text": result.Text,
		"metadata": map[string]any{
			"tokens_generated":  result.TokensGenerated,
			"generation_time":   result.GenerationTime,
			"tokens_per_second": result.TokensPerSecond,
			"finish_reason":     result.FinishReason,
			"parameters_used": map[string]any{
				"max_tokens":    params.MaxTokens,
				"temperature":   params.Temperature,
				"top_p":         params.TopP,
				"top_k":         params.TopK,
				"typical_p":     params.TypicalP,
				"rep_pen":       params.RepPen,
				"rep_pen_range": params.RepPenRange,
			},
		},
	}, nil
}

type chatCompletionArgs struct {
	Messages    []kobold.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
	TopP        float64              `json:"top_p"`
}

// ChatCompletion is the handler for the chat_completion tool.
func (g *Generator) ChatCompletion(ctx context.Context, rawArgs json.RawMessage) (any, error) {
	start := time.Now()

	raw, err := validateArgs(ctx, chatCompletionValidator, rawArgs)
	if err != nil {
		return nil, err
	}

	args := chatCompletionArgs{
		MaxTokens:   100,
		Temperature: 0.7,
		TopP:        0.9,
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	messages := make([]kobold.ChatMessage, 0, len(args.Messages))
	for _, msg := range args.Messages {
		content := msg.Content
		if g.security.DataSanitization {
			content = g.sanitizePrompt(content)
		}
		messages = append(messages, kobold.ChatMessage{
			Role:    msg.Role,
			Content: content,
		})
	}

	params := kobold.ChatParams{
		Messages:    messages,
		MaxTokens:   min(args.MaxTokens, g.security.MaxResponseLength),
		Temperature: args.Temperature,
		TopP:        args.TopP,
	}

	result, err := g.client.ChatCompletion(ctx, params)
	g.auditLog("chat_completion", start, rawArgs, err)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"type": "text",
		"text": result.Text,
		"metadata": map[string]any{
			"tokens_generated":    result.TokensGenerated,
			"generation_time":     result.GenerationTime,
			"tokens_per_second":   result.TokensPerSecond,
			"finish_reason":       result.FinishReason,
			"conversation_length": len(args.Messages),
		},
	}, nil
}

type testPromptArgs struct {
	Prompt           string    `json:"prompt"`
	TemperatureRange []float64 `json:"temperature_range"`
	TopPRange        []float64 `json:"top_p_range"`
	MaxTokens        int       `json:"max_tokens"`
}

// TestPrompt is the handler for the test_prompt tool. It sweeps the cross
// product of the temperature and top_p lists sequentially against the
// same prompt and recommends the combination with the highest throughput.
// The choice is greedy: on a throughput tie the earlier combination wins,
// temperature being the outer loop.
func (g *Generator) TestPrompt(ctx context.Context, rawArgs json.RawMessage) (any, error) {
	start := time.Now()

	raw, err := validateArgs(ctx, testPromptValidator, rawArgs)
	if err != nil {
		return nil, err
	}

	args := testPromptArgs{MaxTokens: 50}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if len(args.TemperatureRange) == 0 {
		args.TemperatureRange = []float64{0.3, 0.7, 1.0}
	}
	if len(args.TopPRange) == 0 {
		args.TopPRange = []float64{0.8, 0.9, 0.95}
	}

	defaults := defaultGenerateTextArgs()

	results := make([]map[string]any, 0, len(args.TemperatureRange)*len(args.TopPRange))
	bestIdx := -1
	bestRate := 0.0

	for _, temp := range args.TemperatureRange {
		for _, topP := range args.TopPRange {
			params := kobold.GenerateParams{
				Prompt:      args.Prompt,
				MaxTokens:   args.MaxTokens,
				Temperature: temp,
				TopP:        topP,
				TopK:        defaults.TopK,
				TypicalP:    defaults.TypicalP,
				RepPen:      defaults.RepPen,
				RepPenRange: defaults.RepPenRange,
			}

			result, err := g.client.GenerateText(ctx, params)
			if err != nil {
				g.auditLog("test_prompt", start, rawArgs, err)
				return nil, err
			}

			results = append(results, map[string]any{
				"temperature":       temp,
				"top_p":             topP,
				"generated_text":    result.Text,
				"tokens_generated":  result.TokensGenerated,
				"generation_time":   result.GenerationTime,
				"tokens_per_second": result.TokensPerSecond,
			})

			if bestIdx < 0 || result.TokensPerSecond > bestRate {
				bestIdx = len(results) - 1
				bestRate = result.TokensPerSecond
			}
		}
	}

	g.auditLog("test_prompt", start, rawArgs, nil)

	best := results[bestIdx]
	return map[string]any{
		"type": "text",
		"text": fmt.Sprintf("Prompt testing completed with %d variations", len(results)),
		"metadata": map[string]any{
			"test_results": results,
			"best_configuration": map[string]any{
				"temperature": best["temperature"],
				"top_p":       best["top_p"],
				"performance": best["tokens_per_second"],
			},
			"total_tests": len(results),
		},
	}, nil
}

type batchGenerateArgs struct {
	Prompts       []string `json:"prompts"`
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float64  `json:"temperature"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// BatchGenerate is the handler for the batch_generate tool.
func (g *Generator) BatchGenerate(ctx context.Context, rawArgs json.RawMessage) (any, error) {
	start := time.Now()

	raw, err := validateArgs(ctx, batchGenerateValidator, rawArgs)
	if err != nil {
		return nil, err
	}

	args := batchGenerateArgs{
		MaxTokens:     100,
		Temperature:   0.7,
		MaxConcurrent: 3,
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	if len(args.Prompts) > maxBatchPrompts {
		err := fmt.Errorf("too many prompts in batch (maximum %d)", maxBatchPrompts)
		g.auditLog("batch_generate", start, rawArgs, err)
		return nil, err
	}

	prompts := args.Prompts
	if g.security.DataSanitization {
		prompts = make([]string, len(args.Prompts))
		for i, p := range args.Prompts {
			prompts[i] = g.sanitizePrompt(p)
		}
	}

	defaults := defaultGenerateTextArgs()
	req := kobold.BatchRequest{
		Prompts: prompts,
		Parameters: kobold.GenerateParams{
			MaxTokens:   min(args.MaxTokens, g.security.MaxResponseLength),
			Temperature: args.Temperature,
			TopP:        defaults.TopP,
			TopK:        defaults.TopK,
			TypicalP:    defaults.TypicalP,
			RepPen:      defaults.RepPen,
			RepPenRange: defaults.RepPenRange,
		},
		MaxConcurrent: min(args.MaxConcurrent, g.perf.MaxConcurrentRequests),
	}

	batch, err := g.client.BatchGenerate(ctx, req)
	g.auditLog("batch_generate", start, rawArgs, err)
	if err != nil {
		return nil, err
	}

	formatted := make([]map[string]any, 0, len(batch.Results))
	for i, result := range batch.Results {
		formatted = append(formatted, map[string]any{
			"prompt_index":     i,
			"generated_text":   result.Text,
			"tokens_generated": result.TokensGenerated,
			"generation_time":  result.GenerationTime,
			"success":          result.FinishReason != "error",
		})
	}

	return map[string]any{
		"type": "text",
		"text": fmt.Sprintf("Batch generation completed: %d successful, %d failed",
			batch.Successful, batch.Failed),
		"metadata": map[string]any{
			"results":       formatted,
			"total_time":    batch.TotalTime,
			"successful":    batch.Successful,
			"failed":        batch.Failed,
			"total_prompts": len(prompts),
		},
	}, nil
}

// sanitizePrompt strips known injection delimiter tokens and hard
// truncates to the configured maximum prompt length.
func (g *Generator) sanitizePrompt(prompt string) string {
	sanitized := strings.ReplaceAll(prompt, "</s>", "")
	sanitized = strings.ReplaceAll(sanitized, "<|endoftext|>", "")

	if len(sanitized) > g.security.MaxPromptLength {
		sanitized = sanitized[:g.security.MaxPromptLength]
	}

	return sanitized
}

func validateArgs(ctx context.Context, schema *jsonschema.Schema, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	keyErrs, err := schema.ValidateBytes(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if len(keyErrs) > 0 {
		msgs := make([]string, 0, len(keyErrs))
		for _, ke := range keyErrs {
			msgs = append(msgs, ke.Message)
		}
		return nil, fmt.Errorf("arguments validation failed: %s", strings.Join(msgs, ", "))
	}

	return raw, nil
}
