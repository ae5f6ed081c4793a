// Package secrets resolves credentials (the influx token, channel
// webhook secrets in local setups) through an ordered provider chain.
package secrets

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Provider is one source of secrets.
type Provider interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)
	// Close cleans up any resources
	Close() error
}

// Manager queries multiple providers in order, returning the first
// non-empty value.
type Manager struct {
	providers []Provider
}

// NewManager creates a new secret manager with multiple providers
func NewManager(providers ...Provider) *Manager {
	return &Manager{
		providers: providers,
	}
}

// GetSecret retrieves a secret from the first provider that has it
func (m *Manager) GetSecret(ctx context.Context, key string) (string, error) {
	var lastErr error
	for _, provider := range m.providers {
		value, err := provider.GetSecret(ctx, key)
		if err == nil && value != "" {
			return value, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return "", fmt.Errorf("secret %q not found in any provider: %w", key, lastErr)
	}
	return "", fmt.Errorf("secret %q not found in any provider", key)
}

// Close closes all providers
func (m *Manager) Close() error {
	var errs []error
	for _, provider := range m.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing providers: %v", errs)
	}
	return nil
}

// EnvProvider retrieves secrets from environment variables
type EnvProvider struct{}

// NewEnvProvider creates a new environment variable provider
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// GetSecret retrieves a secret from environment variables
func (p *EnvProvider) GetSecret(ctx context.Context, key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("environment variable %q not set", key)
	}
	return value, nil
}

// Close does nothing for environment provider
func (p *EnvProvider) Close() error {
	return nil
}

// FileProvider retrieves secrets from a .env-style file. The file is
// read once at construction.
type FileProvider struct {
	filePath string
	secrets  map[string]string
	mu       sync.RWMutex
}

// NewFileProvider creates a new file-based provider. A missing file is
// not an error; lookups simply miss.
func NewFileProvider(filePath string) (*FileProvider, error) {
	p := &FileProvider{
		filePath: filePath,
		secrets:  make(map[string]string),
	}

	if err := p.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", filePath, err)
		}
	}

	return p, nil
}

// load reads and parses the file
func (p *FileProvider) load() error {
	file, err := os.Open(p.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE format
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue // Skip malformed lines
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		value = strings.Trim(value, "\"'")

		p.secrets[key] = value
	}

	return scanner.Err()
}

// GetSecret retrieves a secret from the file
func (p *FileProvider) GetSecret(ctx context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	value, ok := p.secrets[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found in file", key)
	}

	return value, nil
}

// Close does nothing for file provider
func (p *FileProvider) Close() error {
	return nil
}
