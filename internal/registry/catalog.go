package registry

// Frozen fallback catalog. Served whenever the live catalog service is
// unreachable; pricing is $ per 1M tokens.

var fallbackCatalog = map[string][]Model{
	"anthropic": {
		{ID: "claude-opus-4-5-20251101", DisplayName: "Claude Opus 4.5", ContextWindow: 200000, InputPerMTok: 15.0, OutputPerMTok: 75.0, Tags: []string{TagToolUse, TagVision, TagWebSearch}},
		{ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", ContextWindow: 200000, InputPerMTok: 3.0, OutputPerMTok: 15.0, Tags: []string{TagToolUse, TagVision, TagWebSearch}},
		{ID: "claude-haiku-3-5-20241022", DisplayName: "Claude Haiku 3.5", ContextWindow: 200000, InputPerMTok: 0.8, OutputPerMTok: 4.0, Tags: []string{TagToolUse, TagVision}},
	},
	"openai": {
		{ID: "gpt-4o", DisplayName: "GPT-4o", ContextWindow: 128000, InputPerMTok: 2.5, OutputPerMTok: 10.0, Tags: []string{TagToolUse, TagVision, TagWebSearch}},
		{ID: "gpt-4o-mini", DisplayName: "GPT-4o Mini", ContextWindow: 128000, InputPerMTok: 0.15, OutputPerMTok: 0.6, Tags: []string{TagToolUse, TagVision}},
		{ID: "o1", DisplayName: "o1", ContextWindow: 200000, InputPerMTok: 15.0, OutputPerMTok: 60.0, Tags: []string{TagToolUse}},
		{ID: "o1-mini", DisplayName: "o1 Mini", ContextWindow: 128000, InputPerMTok: 1.1, OutputPerMTok: 4.4, Tags: []string{TagToolUse}},
	},
	"google": {
		{ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", ContextWindow: 1048576, InputPerMTok: 0.1, OutputPerMTok: 0.4, Tags: []string{TagToolUse, TagVision, TagWebSearch}},
		{ID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", ContextWindow: 2097152, InputPerMTok: 1.25, OutputPerMTok: 5.0, Tags: []string{TagToolUse, TagVision}},
		{ID: "gemini-1.5-flash", DisplayName: "Gemini 1.5 Flash", ContextWindow: 1048576, InputPerMTok: 0.075, OutputPerMTok: 0.3, Tags: []string{TagToolUse, TagVision}},
	},
	"openrouter": {
		{ID: "deepseek/deepseek-chat", DisplayName: "DeepSeek V3", ContextWindow: 64000, InputPerMTok: 0.14, OutputPerMTok: 0.28, Tags: []string{TagToolUse}},
		{ID: "meta-llama/llama-3.1-70b-instruct", DisplayName: "Llama 3.1 70B", ContextWindow: 131072, InputPerMTok: 0.3, OutputPerMTok: 0.4, Tags: []string{TagToolUse}},
	},
	"huggingface": {
		{ID: "meta-llama/Meta-Llama-3-8B-Instruct", DisplayName: "Llama 3 8B", ContextWindow: 8192, InputPerMTok: 0.06, OutputPerMTok: 0.06, Tags: nil},
		{ID: "mistralai/Mixtral-8x7B-Instruct-v0.1", DisplayName: "Mixtral 8x7B", ContextWindow: 32768, InputPerMTok: 0.24, OutputPerMTok: 0.24, Tags: nil},
	},
}

var fallbackDefaultModels = map[string]string{
	"anthropic":   "claude-sonnet-4-20250514",
	"openai":      "gpt-4o-mini",
	"google":      "gemini-2.0-flash",
	"openrouter":  "deepseek/deepseek-chat",
	"huggingface": "meta-llama/Meta-Llama-3-8B-Instruct",
}

var providerDisplayNames = map[string]string{
	"anthropic":   "Anthropic",
	"openai":      "OpenAI",
	"google":      "Google",
	"openrouter":  "OpenRouter",
	"huggingface": "Hugging Face",
}
