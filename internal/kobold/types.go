package kobold

// GenerateParams hold the sampling settings for a native generate call.
type GenerateParams struct {
	Prompt       string
	MaxTokens    int
	Temperature  float64
	TopP         float64
	TopK         int
	TypicalP     float64
	RepPen       float64
	RepPenRange  int
	StopSequence []string
}

// ChatMessage is a single turn of a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatParams hold the settings for an OpenAI-compatible chat completion.
type ChatParams struct {
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// GenerationResult is the outcome of one generation, native or chat.
// GenerationTime is wall-clock seconds as measured by the client, which
// makes TokensPerSecond an end-to-end throughput figure rather than a
// backend-reported one.
type GenerationResult struct {
	Text            string  `json:"text"`
	TokensGenerated int     `json:"tokens_generated"`
	GenerationTime  float64 `json:"generation_time"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	FinishReason    string  `json:"finish_reason"`
}

// BatchRequest describes a batch of prompts sharing one set of sampling
// parameters.
type BatchRequest struct {
	Prompts       []string
	Parameters    GenerateParams
	MaxConcurrent int
}

// BatchResult aggregates a batch run. Results always has one entry per
// input prompt, in input order; failed prompts get a placeholder entry
// with FinishReason "error".
type BatchResult struct {
	Results    []GenerationResult `json:"results"`
	TotalTime  float64            `json:"total_time"`
	Successful int                `json:"successful"`
	Failed     int                `json:"failed"`
}

// ModelInfo describes the model loaded in the backend.
type ModelInfo struct {
	ModelName     string `json:"model_name"`
	ContextLength int    `json:"context_length"`
	VocabSize     int    `json:"vocab_size,omitempty"`
	Parameters    string `json:"parameters,omitempty"`
	Architecture  string `json:"architecture,omitempty"`
	Format        string `json:"format,omitempty"`
}

// Status is a point-in-time snapshot of backend health.
type Status struct {
	Online           bool   `json:"online"`
	ModelLoaded      bool   `json:"model_loaded"`
	ModelName        string `json:"model_name,omitempty"`
	ContextLength    int    `json:"context_length,omitempty"`
	GenerationActive bool   `json:"generation_active"`
}
