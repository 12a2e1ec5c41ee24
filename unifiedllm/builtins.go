package unifiedllm

import "sort"

// GollmBuiltins returns one builtin factory per configured gollm provider.
// keys maps a gollm provider name ("openai", "anthropic", "ollama") to its API
// key; ollama needs no key.
func GollmBuiltins(keys map[string]string, opts ...GollmOption) []BuiltinFactory {
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)

	factories := make([]BuiltinFactory, 0, len(names))
	for _, name := range names {
		provider, key := name, keys[name]
		factories = append(factories, func() (Provider, error) {
			all := append([]GollmOption{WithAPIKey(key)}, opts...)
			return NewGollmProvider(provider, all...)
		})
	}
	return factories
}
