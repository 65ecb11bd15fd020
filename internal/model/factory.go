package model

import "fmt"

// NewCompleter constructs the configured provider client.
func NewCompleter(cfg Config) (Completer, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicClient(cfg)
	case "openai":
		return NewOpenAIClient(cfg)
	case "langchain":
		return NewLangchainClient(cfg)
	default:
		return nil, fmt.Errorf("unknown model provider: %q", cfg.Provider)
	}
}
