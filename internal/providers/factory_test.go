package providers

import (
	"testing"

	"github.com/gofer-dev/gofer/internal/config"
)

func TestFactoryKnownVendors(t *testing.T) {
	f := NewFactory(config.ProvidersConfig{
		Anthropic: config.ProviderCredential{APIKey: "a"},
		OpenAI:    config.ProviderCredential{APIKey: "b"},
	})

	p, err := f.ForRef(ModelRef{Vendor: "anthropic", Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name = %q", p.Name())
	}

	p2, err := f.ForRef(ModelRef{Vendor: "anthropic", Model: "claude-opus-4"})
	if err != nil {
		t.Fatal(err)
	}
	if p2 != p {
		t.Error("same vendor should reuse the cached instance")
	}
}

func TestFactoryMissingKey(t *testing.T) {
	f := NewFactory(config.ProvidersConfig{})
	if _, err := f.ForRef(ModelRef{Vendor: "openai", Model: "gpt-4o"}); err == nil {
		t.Fatal("want error when no key is configured")
	}
}

func TestFactoryUnknownVendorFallsBackToCustom(t *testing.T) {
	f := NewFactory(config.ProvidersConfig{
		Custom: config.ProviderCredential{APIKey: "k", BaseURL: "http://localhost:8080/v1"},
	})
	p, err := f.ForRef(ModelRef{Vendor: "ollama", Model: "llama3"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "ollama" {
		t.Errorf("Name = %q, want vendor name on the compatible transport", p.Name())
	}
}

func TestFactoryUnknownVendorNoCustomBase(t *testing.T) {
	f := NewFactory(config.ProvidersConfig{})
	if _, err := f.ForRef(ModelRef{Vendor: "mystery", Model: "m"}); err == nil {
		t.Fatal("want error for unknown vendor without custom base URL")
	}
}
