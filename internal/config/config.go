// Package config loads and watches the gateway's JSON5 configuration.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// DefaultAgentID is the agent used when no binding matches.
const DefaultAgentID = "default"

// Config is the single configuration document.
type Config struct {
	Agent    AgentConfig              `json:"agent,omitempty"`
	Gateway  GatewayConfig            `json:"gateway,omitempty"`
	Agents   AgentsConfig             `json:"agents,omitempty"`
	Channels map[string]ChannelConfig `json:"channels,omitempty"`
	Tools    ToolsConfig              `json:"tools,omitempty"`
	Skills   ToggleList               `json:"skills,omitempty"`
	Plugins  ToggleList               `json:"plugins,omitempty"`
	Logging  LoggingConfig            `json:"logging,omitempty"`
	Update   UpdateConfig             `json:"update,omitempty"`
	UI       UIConfig                 `json:"ui,omitempty"`
	Memory   MemoryConfig             `json:"memory,omitempty"`
	Cron     CronConfig               `json:"cron,omitempty"`
	Hooks    map[string]string        `json:"hooks,omitempty"`

	Sessions  SessionsConfig  `json:"sessions,omitempty"`
	Providers ProvidersConfig `json:"providers,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	// path the config was loaded from; used for sibling files (auth profiles,
	// usage ledger) and the hot-reload watcher.
	path string
	mu   sync.RWMutex
}

// AgentConfig is the top-level default agent behavior.
type AgentConfig struct {
	Model    string `json:"model,omitempty"`    // "provider/model"
	Thinking string `json:"thinking,omitempty"` // "off", "on", "stream"
	Verbose  bool   `json:"verbose,omitempty"`
}

// GatewayAuthConfig selects how WebSocket clients authenticate.
type GatewayAuthConfig struct {
	Mode     string `json:"mode,omitempty"` // "token", "password", "none"
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// GatewayConfig configures the WebSocket RPC server.
type GatewayConfig struct {
	Port           int               `json:"port,omitempty"` // default 18789
	Bind           string            `json:"bind,omitempty"` // "loopback", "lan", "auto"
	Mode           string            `json:"mode,omitempty"` // "local", "remote"
	Auth           GatewayAuthConfig `json:"auth,omitempty"`
	EnableWebUI    bool              `json:"enableWebUI,omitempty"`
	WebUIPort      int               `json:"webUIPort,omitempty"`
	WebUIBasePath  string            `json:"webUIBasePath,omitempty"`
	RateLimitRPM   int               `json:"rateLimitRPM,omitempty"`
	AllowedOrigins []string          `json:"allowedOrigins,omitempty"`
	Tailscale      TailscaleConfig   `json:"tailscale,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener.
// Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname string `json:"hostname,omitempty"`
	AuthKey  string `json:"-"`
	StateDir string `json:"stateDir,omitempty"`
}

// AgentDefaults holds per-agent settings, overridable per agent.
type AgentDefaults struct {
	Workspace      string   `json:"workspace,omitempty"`
	AgentDir       string   `json:"agentDir,omitempty"`
	Model          string   `json:"model,omitempty"`
	ModelFallbacks []string `json:"modelFallbacks,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	MaxTokens      int      `json:"maxTokens,omitempty"`
	MaxRetries     int      `json:"maxRetries,omitempty"`
}

// AgentSpec is a named agent with overrides on the defaults.
type AgentSpec struct {
	ID string `json:"id"`
	AgentDefaults
	Default bool `json:"default,omitempty"`
}

// AgentsConfig groups the default agent settings and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults,omitempty"`
	Agents   []AgentSpec   `json:"agents,omitempty"`
}

// ChannelConfig is the per-channel section under channels.<name>. Kind
// selects the adapter; when empty the map key doubles as the kind.
type ChannelConfig struct {
	Enabled   bool           `json:"enabled,omitempty"`
	Kind      string         `json:"kind,omitempty"` // "telegram", "discord"
	BotToken  string         `json:"botToken,omitempty"`
	DMPolicy  string         `json:"dmPolicy,omitempty"` // "open", "pairing", "allowlist"
	AllowFrom []string       `json:"allowFrom,omitempty"`
	AgentID   string         `json:"agentId,omitempty"` // bind to a specific agent runtime
	Extra     map[string]any `json:"extra,omitempty"`
}

// ExecToolConfig constrains shell-style tool execution.
type ExecToolConfig struct {
	Host        string   `json:"host,omitempty"`
	Security    string   `json:"security,omitempty"` // "full", "allowlist", "deny"
	Ask         string   `json:"ask,omitempty"`
	SafeBins    []string `json:"safeBins,omitempty"`
	PathPrepend string   `json:"pathPrepend,omitempty"`
	TimeoutSec  int      `json:"timeoutSec,omitempty"`
}

// ToolsConfig selects the tool surface exposed to agents.
type ToolsConfig struct {
	Profile string         `json:"profile,omitempty"` // "full", "coding", "messaging", "minimal"
	Allow   []string       `json:"allow,omitempty"`
	Deny    []string       `json:"deny,omitempty"`
	Exec    ExecToolConfig `json:"exec,omitempty"`
}

// ToggleList enables/disables named items (skills, plugins).
type ToggleList struct {
	Enabled  []string `json:"enabled,omitempty"`
	Disabled []string `json:"disabled,omitempty"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level string `json:"level,omitempty"` // "debug", "info", "warn", "error"
	File  string `json:"file,omitempty"`
	// TailBuffer is the number of records retained for logs.tail.
	TailBuffer int `json:"tailBuffer,omitempty"`
}

// UpdateConfig is auxiliary self-update preferences.
type UpdateConfig struct {
	Channel string `json:"channel,omitempty"`
	Check   bool   `json:"check,omitempty"`
}

// UIConfig is auxiliary UI preferences surfaced to clients.
type UIConfig struct {
	Theme string `json:"theme,omitempty"`
}

// MemoryConfig is auxiliary long-term memory preferences.
type MemoryConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// CronJob is a declared scheduled message. Execution is a collaborator's
// concern; the gateway only validates the schedule expression at load time.
type CronJob struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Message  string `json:"message,omitempty"`
	Agent    string `json:"agent,omitempty"`
}

// CronConfig lists declared cron jobs.
type CronConfig struct {
	Jobs []CronJob `json:"jobs,omitempty"`
}

// SessionsConfig selects session storage.
type SessionsConfig struct {
	Storage       string `json:"storage,omitempty"` // "file" (default) or "postgres"
	PostgresDSN   string `json:"postgresDSN,omitempty"`
	RetentionDays int    `json:"retentionDays,omitempty"`
}

// ProviderCredential configures one vendor's API access.
type ProviderCredential struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`
}

// ProvidersConfig holds per-vendor credentials plus the auth-rotation pool.
type ProvidersConfig struct {
	Anthropic  ProviderCredential `json:"anthropic,omitempty"`
	OpenAI     ProviderCredential `json:"openai,omitempty"`
	Google     ProviderCredential `json:"google,omitempty"`
	OpenRouter ProviderCredential `json:"openrouter,omitempty"`
	Custom     ProviderCredential `json:"custom,omitempty"` // OpenAI-compatible fallback

	// RotationEnabled switches credential selection to the auth profile pool.
	RotationEnabled bool `json:"rotationEnabled,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:    "anthropic/claude-sonnet-4",
			Thinking: "on",
		},
		Gateway: GatewayConfig{
			Port:         18789,
			Bind:         "loopback",
			Mode:         "local",
			Auth:         GatewayAuthConfig{Mode: "none"},
			RateLimitRPM: 0,
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:  "~/.gofer/workspace",
				MaxTokens:  8192,
				MaxRetries: 3,
			},
		},
		Tools: ToolsConfig{
			Profile: "full",
			Exec:    ExecToolConfig{Security: "allowlist", Ask: "off", TimeoutSec: 120},
		},
		Logging:  LoggingConfig{Level: "info", TailBuffer: 1000},
		Sessions: SessionsConfig{Storage: "file"},
	}
}

// Path returns the file the config was loaded from ("" for defaults).
func (c *Config) Path() string { return c.path }

// Hash returns a short SHA-256 digest of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ResolveAgent returns the effective settings for an agent id, merging the
// defaults with any per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if d.Model == "" {
		d.Model = c.Agent.Model
	}
	for _, spec := range c.Agents.Agents {
		if spec.ID != agentID {
			continue
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if len(spec.ModelFallbacks) > 0 {
			d.ModelFallbacks = spec.ModelFallbacks
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
		if spec.AgentDir != "" {
			d.AgentDir = spec.AgentDir
		}
		if len(spec.Tools) > 0 {
			d.Tools = spec.Tools
		}
		if spec.SystemPrompt != "" {
			d.SystemPrompt = spec.SystemPrompt
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.MaxRetries > 0 {
			d.MaxRetries = spec.MaxRetries
		}
		break
	}
	return d
}

// ResolveDefaultAgentID returns the agent marked default, or "default".
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, spec := range c.Agents.Agents {
		if spec.Default {
			return spec.ID
		}
	}
	return DefaultAgentID
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secret fields masked, for exposure to
// operator clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return Default()
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return Default()
	}

	maskNonEmpty(&cp.Gateway.Auth.Token)
	maskNonEmpty(&cp.Gateway.Auth.Password)
	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.Google.APIKey)
	maskNonEmpty(&cp.Providers.OpenRouter.APIKey)
	maskNonEmpty(&cp.Providers.Custom.APIKey)
	for name, ch := range cp.Channels {
		maskNonEmpty(&ch.BotToken)
		cp.Channels[name] = ch
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
