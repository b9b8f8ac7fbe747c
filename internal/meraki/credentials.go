package meraki

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/leozw/client-counter/internal/core"
)

// CredentialProvider supplies the Dashboard API key. Implementations may
// read from configuration, the environment, a secret store or a prompt.
type CredentialProvider interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticCredentials is a key already known to the caller, typically loaded
// from configuration.
type StaticCredentials string

func (s StaticCredentials) APIKey(context.Context) (string, error) {
	key := strings.TrimSpace(string(s))
	if key == "" {
		return "", fmt.Errorf("no API key configured: %w", core.ErrAuthorization)
	}
	return key, nil
}

// EnvCredentials reads the key from an environment variable on every call.
type EnvCredentials struct {
	Variable string
}

func (e EnvCredentials) APIKey(context.Context) (string, error) {
	name := e.Variable
	if name == "" {
		name = "MERAKI_API_KEY"
	}
	key := strings.TrimSpace(os.Getenv(name))
	if key == "" {
		return "", fmt.Errorf("environment variable %s is empty: %w", name, core.ErrAuthorization)
	}
	return key, nil
}

// ChainCredentials returns the first key any provider yields.
type ChainCredentials []CredentialProvider

func (c ChainCredentials) APIKey(ctx context.Context) (string, error) {
	var lastErr error
	for _, p := range c {
		key, err := p.APIKey(ctx)
		if err == nil {
			return key, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no credential providers: %w", core.ErrAuthorization)
	}
	return "", lastErr
}
