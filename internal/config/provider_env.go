package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves each secret reference as the name of another
// environment variable. It lets a deployment point IDENTITY_API_KEY at a
// variable injected by the platform without renaming it.
type EnvVarProvider struct{}

// NewEnvVarProvider creates a new EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch looks up each ref with os.LookupEnv. Missing refs are
// omitted.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, refs []string) (map[string]string, error) {
	result := make(map[string]string, len(refs))
	for _, ref := range refs {
		if val, ok := os.LookupEnv(ref); ok {
			result[ref] = val
		}
	}
	return result, nil
}
