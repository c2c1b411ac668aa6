package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/gofer-dev/gofer/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

// runOnboard walks the same steps as the gateway wizard, but locally:
// pick a model, paste credentials, optionally hook up a chat channel,
// then write the config file.
func runOnboard() error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil {
		overwrite := false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", path)).
				Value(&overwrite),
		))
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing config.")
			return nil
		}
	}

	var (
		provider    = "anthropic"
		model       string
		apiKey      string
		channelKind = "none"
		botToken    string
		remote      bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Model provider").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("OpenRouter", "openrouter"),
					huh.NewOption("Google Gemini", "gemini"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Model").
				Description("Leave empty for the provider default").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("an API key is required")
					}
					return nil
				}).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Chat channel").
				Options(
					huh.NewOption("None (gateway only)", "none"),
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Discord", "discord"),
				).
				Value(&channelKind),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Allow remote connections?").
				Description("Generates a gateway token and binds beyond loopback").
				Value(&remote),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if channelKind != "none" {
		tokenForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("%s bot token", channelKind)).
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("a bot token is required for %s", channelKind)
					}
					return nil
				}).
				Value(&botToken),
		))
		if err := tokenForm.Run(); err != nil {
			return err
		}
	}

	cfg := buildOnboardConfig(provider, model, apiKey, channelKind, botToken, remote)
	if err := writeConfig(path, cfg); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", path)
	if remote {
		fmt.Printf("Gateway token: %s\n", cfg.Gateway.Auth.Token)
	}
	fmt.Println("Start the gateway with: gofer")
	return nil
}

func buildOnboardConfig(provider, model, apiKey, channelKind, botToken string, remote bool) *config.Config {
	if model == "" {
		model = defaultModelFor(provider)
	}

	cfg := &config.Config{
		Agent: config.AgentConfig{Model: provider + "/" + model},
	}

	cred := config.ProviderCredential{APIKey: apiKey}
	switch provider {
	case "openai":
		cfg.Providers.OpenAI = cred
	case "openrouter":
		cfg.Providers.OpenRouter = cred
	case "gemini":
		cfg.Providers.Google = cred
	default:
		cfg.Providers.Anthropic = cred
	}

	if channelKind != "none" {
		cfg.Channels = map[string]config.ChannelConfig{
			channelKind: {Enabled: true, Kind: channelKind, BotToken: botToken},
		}
	}

	if remote {
		cfg.Gateway.Bind = "lan"
		cfg.Gateway.Auth = config.GatewayAuthConfig{
			Mode:  "token",
			Token: newGatewayToken(),
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

func newGatewayToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func writeConfig(path string, cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
