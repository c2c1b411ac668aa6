package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"
)

const includeKey = "@include"

// DefaultPath returns the conventional config location.
func DefaultPath() string {
	if p := os.Getenv("GOFER_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gofer.json5"
	}
	return filepath.Join(home, ".gofer", "gofer.json5")
}

// Load reads, merges, substitutes, and validates the config file at path.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}

	if _, err := os.Stat(abs); os.IsNotExist(err) {
		cfg := Default()
		cfg.path = abs
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	raw, err := loadTree(abs, nil)
	if err != nil {
		return nil, err
	}
	if err := substituteEnv(raw, "$"); err != nil {
		return nil, err
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: re-encode: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.path = abs
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadTree parses one JSON5 file and resolves its @include directives
// depth-first. Includes merge under the including file: objects merge
// recursively, everything else (arrays included) is replaced by the
// including file's value. visiting guards against include cycles.
func loadTree(path string, visiting []string) (map[string]any, error) {
	for _, seen := range visiting {
		if seen == path {
			return nil, fmt.Errorf("config: include cycle: %s", strings.Join(append(visiting, path), " -> "))
		}
	}
	visiting = append(visiting, path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var node map[string]any
	if err := json5.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	includes, err := includeList(node)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	delete(node, includeKey)

	// Later includes override earlier ones; the including file wins last.
	merged := map[string]any{}
	dir := filepath.Dir(path)
	for _, inc := range includes {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(dir, incPath)
		}
		sub, err := loadTree(incPath, visiting)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, sub)
	}
	return deepMerge(merged, node), nil
}

func includeList(node map[string]any) ([]string, error) {
	v, ok := node[includeKey]
	if !ok {
		return nil, nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a string or array of strings", includeKey)
	}
}

// deepMerge overlays b onto a. Maps merge key-by-key; any other value in b
// replaces the value in a.
func deepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		bm, bIsMap := v.(map[string]any)
		am, aIsMap := out[k].(map[string]any)
		if bIsMap && aIsMap {
			out[k] = deepMerge(am, bm)
			continue
		}
		out[k] = v
	}
	return out
}

// substituteEnv walks the tree replacing ${VAR} in string values with the
// environment value. An unset variable is fatal and the error names the JSON
// path of the offending value. $${VAR} escapes substitution and yields the
// literal ${VAR}.
func substituteEnv(node any, path string) error {
	switch t := node.(type) {
	case map[string]any:
		for k, v := range t {
			child := path + "." + k
			if s, ok := v.(string); ok {
				out, err := expandString(s, child)
				if err != nil {
					return err
				}
				t[k] = out
				continue
			}
			if err := substituteEnv(v, child); err != nil {
				return err
			}
		}
	case []any:
		for i, v := range t {
			child := fmt.Sprintf("%s[%d]", path, i)
			if s, ok := v.(string); ok {
				out, err := expandString(s, child)
				if err != nil {
					return err
				}
				t[i] = out
				continue
			}
			if err := substituteEnv(v, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func expandString(s, path string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		escaped := i > 0 && s[i-1] == '$'
		if escaped {
			b.WriteString(s[:i-1])
		} else {
			b.WriteString(s[:i])
		}
		rest := s[i+2:]
		j := strings.Index(rest, "}")
		if j < 0 {
			return "", fmt.Errorf("config: %s: unterminated ${ in %q", path, s)
		}
		name := rest[:j]
		if name == "" {
			return "", fmt.Errorf("config: %s: empty variable name in %q", path, s)
		}
		if escaped {
			// $${VAR} passes through as the literal ${VAR}, no lookup.
			b.WriteString("${" + name + "}")
		} else {
			val, ok := os.LookupEnv(name)
			if !ok {
				return "", fmt.Errorf("config: %s: environment variable %s is not set", path, name)
			}
			b.WriteString(val)
		}
		s = rest[j+1:]
	}
}

// applyEnvOverrides layers well-known environment variables over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.Providers.Google.APIKey == "" {
		cfg.Providers.Google.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" && cfg.Providers.OpenRouter.APIKey == "" {
		cfg.Providers.OpenRouter.APIKey = v
	}
	if v := os.Getenv("GOFER_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Token = v
		if cfg.Gateway.Auth.Mode == "" || cfg.Gateway.Auth.Mode == "none" {
			cfg.Gateway.Auth.Mode = "token"
		}
	}
	if v := os.Getenv("TS_AUTHKEY"); v != "" {
		cfg.Gateway.Tailscale.AuthKey = v
	}
}

// Validate checks cross-field constraints that the struct decode cannot.
func Validate(cfg *Config) error {
	switch cfg.Gateway.Bind {
	case "", "loopback", "lan", "auto":
	default:
		return fmt.Errorf("config: gateway.bind: unknown value %q", cfg.Gateway.Bind)
	}
	switch cfg.Gateway.Auth.Mode {
	case "", "none", "token", "password":
	default:
		return fmt.Errorf("config: gateway.auth.mode: unknown value %q", cfg.Gateway.Auth.Mode)
	}
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("config: gateway.port: %d out of range", cfg.Gateway.Port)
	}
	switch cfg.Sessions.Storage {
	case "", "file", "postgres":
	default:
		return fmt.Errorf("config: sessions.storage: unknown value %q", cfg.Sessions.Storage)
	}
	if cfg.Sessions.Storage == "postgres" && cfg.Sessions.PostgresDSN == "" {
		return fmt.Errorf("config: sessions.storage is postgres but sessions.postgresDSN is empty")
	}
	for name, ch := range cfg.Channels {
		switch ch.DMPolicy {
		case "", "open", "pairing", "allowlist":
		default:
			return fmt.Errorf("config: channels.%s.dmPolicy: unknown value %q", name, ch.DMPolicy)
		}
	}
	g := gronx.New()
	for i, job := range cfg.Cron.Jobs {
		if job.Schedule == "" || !g.IsValid(job.Schedule) {
			return fmt.Errorf("config: cron.jobs[%d] (%s): invalid schedule %q", i, job.Name, job.Schedule)
		}
	}
	return nil
}
