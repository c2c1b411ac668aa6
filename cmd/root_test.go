package cmd

import (
	"errors"
	"testing"
)

func TestIsUsageError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unknown command", errors.New(`unknown command "frobnicate" for "gofer"`), true},
		{"unknown flag", errors.New("unknown flag: --bogus"), true},
		{"arg count", errors.New("accepts 1 arg(s), received 0"), true},
		{"runtime error", errors.New("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUsageError(tt.err); got != tt.want {
				t.Errorf("isUsageError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBuildOnboardConfig(t *testing.T) {
	cfg := buildOnboardConfig("openai", "", "sk-test", "telegram", "bot-token", true)

	if got, want := cfg.Agent.Model, "openai/gpt-4o"; got != want {
		t.Errorf("model = %q, want %q", got, want)
	}
	if got, want := cfg.Providers.OpenAI.APIKey, "sk-test"; got != want {
		t.Errorf("apiKey = %q, want %q", got, want)
	}
	ch, ok := cfg.Channels["telegram"]
	if !ok {
		t.Fatal("telegram channel not configured")
	}
	if !ch.Enabled || ch.BotToken != "bot-token" {
		t.Errorf("channel = %+v, want enabled with token", ch)
	}
	if cfg.Gateway.Auth.Mode != "token" || cfg.Gateway.Auth.Token == "" {
		t.Errorf("remote setup should generate a gateway token, got %+v", cfg.Gateway.Auth)
	}
	if cfg.Gateway.Bind != "lan" {
		t.Errorf("bind = %q, want lan", cfg.Gateway.Bind)
	}
}

func TestBuildOnboardConfigLocalOnly(t *testing.T) {
	cfg := buildOnboardConfig("anthropic", "claude-opus-4", "sk-ant", "none", "", false)

	if got, want := cfg.Agent.Model, "anthropic/claude-opus-4"; got != want {
		t.Errorf("model = %q, want %q", got, want)
	}
	if len(cfg.Channels) != 0 {
		t.Errorf("expected no channels, got %v", cfg.Channels)
	}
	if cfg.Gateway.Auth.Mode != "" {
		t.Errorf("local setup should not set auth mode, got %q", cfg.Gateway.Auth.Mode)
	}
}
