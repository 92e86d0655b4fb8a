package config

import "context"

// SecretProvider resolves _SECRET_REF values into plaintext at startup.
type SecretProvider interface {
	// GetParametersBatch returns ref -> value for every ref it can resolve.
	// Unresolvable refs are omitted rather than reported as errors.
	GetParametersBatch(ctx context.Context, refs []string) (map[string]string, error)
}
