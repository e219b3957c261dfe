package tools

import (
	"encoding/json"

	"github.com/qri-io/jsonschema"

	"github.com/ceponatia/kobold-mcp/internal/protocol"
)

const generateTextSchema = `{
  "type": "object",
  "properties": {
    "prompt": {
      "type": "string",
      "description": "The text prompt to generate from"
    },
    "max_tokens": {
      "type": "integer",
      "description": "Maximum number of tokens to generate",
      "default": 100,
      "minimum": 1,
      "maximum": 4096
    },
    "temperature": {
      "type": "number",
      "description": "Sampling temperature (0.0 to 2.0)",
      "default": 0.7,
      "minimum": 0.0,
      "maximum": 2.0
    },
    "top_p": {
      "type": "number",
      "description": "Nucleus sampling parameter",
      "default": 0.9,
      "minimum": 0.0,
      "maximum": 1.0
    },
    "top_k": {
      "type": "integer",
      "description": "Top-k sampling parameter",
      "default": 40,
      "minimum": 1,
      "maximum": 100
    },
    "typical_p": {
      "type": "number",
      "description": "Typical sampling parameter",
      "default": 1.0,
      "minimum": 0.0,
      "maximum": 1.0
    },
    "rep_pen": {
      "type": "number",
      "description": "Repetition penalty",
      "default": 1.1,
      "minimum": 1.0,
      "maximum": 2.0
    },
    "rep_pen_range": {
      "type": "integer",
      "description": "Repetition penalty range",
      "default": 320,
      "minimum": 0,
      "maximum": 2048
    },
    "stop_sequence": {
      "type": "array",
      "items": { "type": "string" },
      "description": "List of strings that will stop generation",
      "default": []
    }
  },
  "required": ["prompt"]
}`

const chatCompletionSchema = `{
  "type": "object",
  "properties": {
    "messages": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "role": {
            "type": "string",
            "enum": ["system", "user", "assistant"],
            "description": "The role of the message sender"
          },
          "content": {
            "type": "string",
            "description": "The message content"
          }
        },
        "required": ["role", "content"]
      },
      "description": "List of conversation messages"
    },
    "max_tokens": {
      "type": "integer",
      "description": "Maximum tokens to generate",
      "default": 100,
      "minimum": 1,
      "maximum": 4096
    },
    "temperature": {
      "type": "number",
      "description": "Sampling temperature",
      "default": 0.7,
      "minimum": 0.0,
      "maximum": 2.0
    },
    "top_p": {
      "type": "number",
      "description": "Nucleus sampling parameter",
      "default": 0.9,
      "minimum": 0.0,
      "maximum": 1.0
    }
  },
  "required": ["messages"]
}`

const testPromptSchema = `{
  "type": "object",
  "properties": {
    "prompt": {
      "type": "string",
      "description": "The prompt to test"
    },
    "temperature_range": {
      "type": "array",
      "items": { "type": "number" },
      "description": "List of temperature values to test",
      "default": [0.3, 0.7, 1.0]
    },
    "top_p_range": {
      "type": "array",
      "items": { "type": "number" },
      "description": "List of top_p values to test",
      "default": [0.8, 0.9, 0.95]
    },
    "max_tokens": {
      "type": "integer",
      "description": "Maximum tokens per test",
      "default": 50,
      "minimum": 1,
      "maximum": 1024
    }
  },
  "required": ["prompt"]
}`

const batchGenerateSchema = `{
  "type": "object",
  "properties": {
    "prompts": {
      "type": "array",
      "items": { "type": "string" },
      "description": "List of prompts to process"
    },
    "max_tokens": {
      "type": "integer",
      "description": "Maximum tokens per generation",
      "default": 100,
      "minimum": 1,
      "maximum": 2048
    },
    "temperature": {
      "type": "number",
      "description": "Sampling temperature",
      "default": 0.7,
      "minimum": 0.0,
      "maximum": 2.0
    },
    "max_concurrent": {
      "type": "integer",
      "description": "Maximum concurrent requests",
      "default": 3,
      "minimum": 1,
      "maximum": 10
    }
  },
  "required": ["prompts"]
}`

var (
	generateTextValidator   = jsonschema.Must(generateTextSchema)
	chatCompletionValidator = jsonschema.Must(chatCompletionSchema)
	testPromptValidator     = jsonschema.Must(testPromptSchema)
	batchGenerateValidator  = jsonschema.Must(batchGenerateSchema)
)

// Declarations returns the tool declarations in registration order. The
// schemas here are the same ones the handlers validate against.
func Declarations() []protocol.Tool {
	return []protocol.Tool{
		{
			Name: "generate_text",
			Description: "Generate text using KoboldCpp with configurable parameters. " +
				"Supports various sampling methods and stopping conditions.",
			InputSchema: json.RawMessage(generateTextSchema),
		},
		{
			Name: "chat_completion",
			Description: "Generate chat completion using conversation format. " +
				"Supports multi-turn conversations with system, user, and assistant messages.",
			InputSchema: json.RawMessage(chatCompletionSchema),
		},
		{
			Name: "test_prompt",
			Description: "Test a prompt with multiple parameter variations to find optimal settings. " +
				"Useful for prompt engineering and optimization.",
			InputSchema: json.RawMessage(testPromptSchema),
		},
		{
			Name: "batch_generate",
			Description: "Generate text for multiple prompts efficiently with controlled concurrency. " +
				"Useful for processing large datasets or document analysis.",
			InputSchema: json.RawMessage(batchGenerateSchema),
		},
	}
}
