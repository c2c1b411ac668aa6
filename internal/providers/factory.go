package providers

import (
	"fmt"
	"sync"

	"github.com/gofer-dev/gofer/internal/config"
)

// Factory builds providers from a model reference, caching one instance per
// vendor. Unknown vendors with a configured base URL fall back to the
// OpenAI-compatible transport. Safe for concurrent use.
type Factory struct {
	mu    sync.Mutex
	creds config.ProvidersConfig
	cache map[string]Provider
}

// NewFactory builds a factory over the configured credentials.
func NewFactory(creds config.ProvidersConfig) *Factory {
	return &Factory{creds: creds, cache: map[string]Provider{}}
}

// ForRef resolves a "vendor/model" reference to a provider instance.
func (f *Factory) ForRef(ref ModelRef) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.cache[ref.Vendor]; ok {
		return p, nil
	}
	p, err := f.build(ref.Vendor)
	if err != nil {
		return nil, err
	}
	f.cache[ref.Vendor] = p
	return p, nil
}

// WithKey returns a provider for the vendor using an explicit API key,
// bypassing the cache. Used by credential rotation.
func (f *Factory) WithKey(vendor, apiKey string) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := f.creds
	defer func() { f.creds = saved }()

	switch vendor {
	case "anthropic":
		f.creds.Anthropic.APIKey = apiKey
	case "openai":
		f.creds.OpenAI.APIKey = apiKey
	case "openrouter":
		f.creds.OpenRouter.APIKey = apiKey
	case "google", "gemini":
		f.creds.Google.APIKey = apiKey
	default:
		f.creds.Custom.APIKey = apiKey
	}
	return f.build(vendor)
}

func (f *Factory) build(vendor string) (Provider, error) {
	switch vendor {
	case "anthropic":
		if f.creds.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("no api key configured for anthropic")
		}
		return NewAnthropic(f.creds.Anthropic.APIKey, f.creds.Anthropic.BaseURL), nil

	case "openai":
		if f.creds.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("no api key configured for openai")
		}
		base := f.creds.OpenAI.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		return NewOpenAICompatible("openai", f.creds.OpenAI.APIKey, base, "gpt-4o"), nil

	case "openrouter":
		if f.creds.OpenRouter.APIKey == "" {
			return nil, fmt.Errorf("no api key configured for openrouter")
		}
		base := f.creds.OpenRouter.BaseURL
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		return NewOpenAICompatible("openrouter", f.creds.OpenRouter.APIKey, base, "anthropic/claude-sonnet-4"), nil

	case "google", "gemini":
		if f.creds.Google.APIKey == "" {
			return nil, fmt.Errorf("no api key configured for google")
		}
		base := f.creds.Google.BaseURL
		if base == "" {
			// Gemini exposes an OpenAI-compatible surface.
			base = "https://generativelanguage.googleapis.com/v1beta/openai"
		}
		return NewOpenAICompatible("google", f.creds.Google.APIKey, base, "gemini-2.5-flash"), nil

	default:
		// Unknown vendor: OpenAI-compatible fallback against the custom
		// endpoint.
		if f.creds.Custom.BaseURL == "" {
			return nil, fmt.Errorf("unknown provider %q and no custom base URL configured", vendor)
		}
		return NewOpenAICompatible(vendor, f.creds.Custom.APIKey, f.creds.Custom.BaseURL, ""), nil
	}
}
