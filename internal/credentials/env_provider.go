// Package credentials resolves worker secrets from the daemon's own
// environment, the documented stand-in for the `.env` file / OS keychain
// named in spec §6 (keychain integration itself is out of scope).
package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Credential is one resolved secret value and where it came from.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider resolves named credentials for worker processes.
type Provider interface {
	Name() string
	GetCredential(ctx context.Context, key string) (*Credential, error)
	ListAvailable(ctx context.Context) ([]string, error)
}

// knownKeyPatterns are credential env vars agentd recognizes by exact name
// before falling back to a substring scan.
var knownKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"COHERE_API_KEY",
	"MISTRAL_API_KEY",
	"TOGETHER_API_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
}

// EnvProvider resolves credentials from process environment variables,
// optionally under an AGENTD_-style prefix.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider returns a Provider that checks exact env var names and,
// if prefix is non-empty, prefix+key as a fallback.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name identifies this provider for logging and diagnostics.
func (p *EnvProvider) Name() string { return "environment" }

// GetCredential looks up key, then prefix+key, in the environment.
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if value := os.Getenv(key); value != "" {
		return &Credential{Key: key, Value: value, Source: "environment"}, nil
	}
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return &Credential{Key: key, Value: value, Source: "environment"}, nil
		}
	}
	return nil, fmt.Errorf("credential not found: %s", key)
}

// ListAvailable reports every known or key/token/secret-shaped environment
// variable currently set.
func (p *EnvProvider) ListAvailable(ctx context.Context) ([]string, error) {
	available := make([]string, 0)
	seen := make(map[string]bool)

	add := func(key string) {
		if !seen[key] {
			seen[key] = true
			available = append(available, key)
		}
	}

	for _, pattern := range knownKeyPatterns {
		if os.Getenv(pattern) != "" {
			add(pattern)
			continue
		}
		if p.prefix != "" && os.Getenv(p.prefix+pattern) != "" {
			add(pattern)
		}
	}

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		key := parts[0]
		lowerKey := strings.ToLower(key)
		if strings.Contains(lowerKey, "api_key") || strings.Contains(lowerKey, "apikey") ||
			strings.Contains(lowerKey, "api-key") || strings.Contains(lowerKey, "_token") ||
			strings.Contains(lowerKey, "_secret") {
			if p.prefix != "" && strings.HasPrefix(key, p.prefix) {
				key = strings.TrimPrefix(key, p.prefix)
			}
			add(key)
		}
	}

	return available, nil
}
