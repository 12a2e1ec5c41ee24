package unifiedllm

// API identifiers of the builtin provider families.
const (
	APIOpenAICompletions = "openai-completions"
	APIAnthropicMessages = "anthropic-messages"
	APIOllamaChat        = "ollama-chat"
)

type catalogEntry struct {
	Model
	Aliases []string
}

// catalog is the built-in model catalog (October 2026). Costs are dollars per
// million tokens.
var catalog = []catalogEntry{
	// Anthropic
	{
		Model: Model{
			ID: "claude-opus-4-6", Name: "Claude Opus 4.6",
			API: APIAnthropicMessages, Provider: "anthropic", Reasoning: true,
			Cost:          ModelCost{Input: 15.0, Output: 75.0, CacheRead: 1.5, CacheWrite: 18.75},
			ContextWindow: 200000, MaxTokens: 32768,
		},
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		Model: Model{
			ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5",
			API: APIAnthropicMessages, Provider: "anthropic", Reasoning: true,
			Cost:          ModelCost{Input: 3.0, Output: 15.0, CacheRead: 0.3, CacheWrite: 3.75},
			ContextWindow: 200000, MaxTokens: 16384,
		},
		Aliases: []string{"sonnet", "claude-sonnet"},
	},

	// OpenAI
	{
		Model: Model{
			ID: "gpt-5.2", Name: "GPT-5.2",
			API: APIOpenAICompletions, Provider: "openai", Reasoning: true,
			Cost:          ModelCost{Input: 2.50, Output: 10.0, CacheRead: 0.25},
			ContextWindow: 1047576, MaxTokens: 32768,
		},
		Aliases: []string{"gpt5"},
	},
	{
		Model: Model{
			ID: "gpt-5.2-mini", Name: "GPT-5.2 Mini",
			API: APIOpenAICompletions, Provider: "openai", Reasoning: true,
			Cost:          ModelCost{Input: 0.75, Output: 3.0, CacheRead: 0.075},
			ContextWindow: 1047576, MaxTokens: 16384,
		},
		Aliases: []string{"gpt5-mini"},
	},
	{
		Model: Model{
			ID: "gpt-4o-mini", Name: "GPT-4o Mini",
			API: APIOpenAICompletions, Provider: "openai",
			Cost:          ModelCost{Input: 0.15, Output: 0.60, CacheRead: 0.075},
			ContextWindow: 128000, MaxTokens: 16384,
		},
		Aliases: []string{"4o-mini"},
	},

	// Ollama (local, free)
	{
		Model: Model{
			ID: "llama3.2", Name: "Llama 3.2",
			API: APIOllamaChat, Provider: "ollama", BaseURL: "http://localhost:11434",
			ContextWindow: 131072, MaxTokens: 8192,
		},
		Aliases: []string{"llama"},
	},
}

// LookupModel returns the catalog entry for a model id or alias.
func LookupModel(id string) (Model, bool) {
	for _, e := range catalog {
		if e.ID == id {
			return e.Model, true
		}
		for _, alias := range e.Aliases {
			if alias == id {
				return e.Model, true
			}
		}
	}
	return Model{}, false
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []Model {
	var result []Model
	for _, e := range catalog {
		if provider == "" || e.Provider == provider {
			result = append(result, e.Model)
		}
	}
	return result
}

// LatestModel returns the first (newest) model for a provider, optionally
// restricted to reasoning models.
func LatestModel(provider string, reasoning bool) (Model, bool) {
	for _, e := range catalog {
		if e.Provider != provider {
			continue
		}
		if reasoning && !e.Reasoning {
			continue
		}
		return e.Model, true
	}
	return Model{}, false
}

// CalculateCost fills usage.Cost from the model's per-million rates and
// returns the updated usage.
func CalculateCost(model Model, usage Usage) Usage {
	const perMillion = 1_000_000.0
	usage.Cost = Cost{
		Input:      model.Cost.Input * float64(usage.Input) / perMillion,
		Output:     model.Cost.Output * float64(usage.Output) / perMillion,
		CacheRead:  model.Cost.CacheRead * float64(usage.CacheRead) / perMillion,
		CacheWrite: model.Cost.CacheWrite * float64(usage.CacheWrite) / perMillion,
	}
	usage.Cost.Total = usage.Cost.Input + usage.Cost.Output + usage.Cost.CacheRead + usage.Cost.CacheWrite
	return usage
}
