package gateway

import (
	"fmt"
	"strings"
)

// wizardField is one input requested by a wizard step.
type wizardField struct {
	Name     string   `json:"name"`
	Prompt   string   `json:"prompt"`
	Required bool     `json:"required"`
	Secret   bool     `json:"secret,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// wizardStep is one screen of the onboarding flow.
type wizardStep struct {
	Name   string        `json:"name"`
	Title  string        `json:"title"`
	Fields []wizardField `json:"fields"`
}

var wizardSteps = []wizardStep{
	{
		Name:  "model",
		Title: "Choose the default model",
		Fields: []wizardField{
			{Name: "provider", Prompt: "Provider", Required: true,
				Options: []string{"anthropic", "openai", "openrouter", "gemini"}},
			{Name: "model", Prompt: "Model name (empty for the provider default)"},
		},
	},
	{
		Name:  "credentials",
		Title: "Provider credentials",
		Fields: []wizardField{
			{Name: "apiKey", Prompt: "API key", Required: true, Secret: true},
		},
	},
	{
		Name:  "channel",
		Title: "Connect a chat channel (optional)",
		Fields: []wizardField{
			{Name: "kind", Prompt: "Channel", Options: []string{"telegram", "discord", "none"}},
			{Name: "botToken", Prompt: "Bot token", Secret: true},
		},
	},
	{
		Name:  "confirm",
		Title: "Write configuration?",
		Fields: []wizardField{
			{Name: "confirm", Prompt: "Apply these settings", Required: true,
				Options: []string{"yes", "no"}},
		},
	},
}

// wizardState walks a client through the steps one wizard.next at a time.
type wizardState struct {
	step    int
	answers map[string]string
	done    bool
}

func newWizardState() *wizardState {
	return &wizardState{answers: map[string]string{}}
}

// describe reports the current step for wizard.start / wizard.status.
func (w *wizardState) describe() map[string]any {
	if w.step >= len(wizardSteps) {
		return map[string]any{"complete": true}
	}
	step := wizardSteps[w.step]
	return map[string]any{
		"step":  step,
		"index": w.step,
		"total": len(wizardSteps),
	}
}

// next validates the answers for the current step and advances. The final
// step returns the assembled config fragment instead of another step.
func (w *wizardState) next(answers map[string]string) (map[string]any, error) {
	if w.done {
		return nil, fmt.Errorf("wizard already complete")
	}
	if w.step >= len(wizardSteps) {
		return nil, fmt.Errorf("wizard already complete")
	}
	step := wizardSteps[w.step]

	for _, f := range step.Fields {
		val := strings.TrimSpace(answers[f.Name])
		if f.Required && val == "" {
			return nil, fmt.Errorf("step %s: %s is required", step.Name, f.Name)
		}
		if val != "" && len(f.Options) > 0 && !contains(f.Options, val) {
			return nil, fmt.Errorf("step %s: %s must be one of %s",
				step.Name, f.Name, strings.Join(f.Options, ", "))
		}
		if val != "" {
			w.answers[f.Name] = val
		}
	}
	// A channel needs a token; catch it here rather than at start time.
	if step.Name == "channel" {
		if kind := w.answers["kind"]; kind != "" && kind != "none" && w.answers["botToken"] == "" {
			return nil, fmt.Errorf("step channel: botToken is required for %s", kind)
		}
	}

	w.step++
	if w.step < len(wizardSteps) {
		return w.describe(), nil
	}

	w.done = true
	if w.answers["confirm"] != "yes" {
		return map[string]any{"complete": true, "applied": false}, nil
	}
	return map[string]any{
		"complete": true,
		"applied":  true,
		"config":   w.renderConfig(),
	}, nil
}

// renderConfig assembles the config fragment the caller persists.
func (w *wizardState) renderConfig() map[string]any {
	model := w.answers["model"]
	if model == "" {
		model = defaultModelFor(w.answers["provider"])
	}
	cfg := map[string]any{
		"agent": map[string]any{
			"model": w.answers["provider"] + "/" + model,
		},
		"providers": map[string]any{
			w.answers["provider"]: map[string]any{"apiKey": w.answers["apiKey"]},
		},
	}
	if kind := w.answers["kind"]; kind != "" && kind != "none" {
		cfg["channels"] = map[string]any{
			kind: map[string]any{
				"kind":     kind,
				"enabled":  true,
				"botToken": w.answers["botToken"],
			},
		}
	}
	return cfg
}

func defaultModelFor(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o"
	case "gemini":
		return "gemini-2.5-flash"
	case "openrouter":
		return "anthropic/claude-sonnet-4"
	default:
		return "claude-sonnet-4-20250514"
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
