package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"funding-arb/internal/config"
	"funding-arb/internal/connector"
)

var ErrNotFound = errors.New("credential not found")

type Resolver interface {
	Resolve(ctx context.Context, userID, credentialID string) (connector.Credential, error)
}

// Static resolves credentials declared in config, reading secrets from the
// environment variables each entry names.
type Static struct {
	mu    sync.RWMutex
	creds map[string]connector.Credential
}

func NewStatic(entries []config.CredentialConfig, lookup func(string) (string, bool)) (*Static, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	s := &Static{creds: make(map[string]connector.Credential, len(entries))}
	for _, entry := range entries {
		cred := connector.Credential{
			ID:       entry.ID,
			UserID:   entry.UserID,
			Exchange: strings.ToLower(entry.Exchange),
			Env:      connector.Environment(entry.Env),
		}
		var missing []string
		cred.APIKey = readSecret(lookup, entry.APIKeyEnv, &missing)
		cred.Secret = readSecret(lookup, entry.SecretEnv, &missing)
		cred.Passphrase = readSecret(lookup, entry.PassphraseEnv, &missing)
		if len(missing) > 0 {
			return nil, fmt.Errorf("credential %s: %w: unset %s", entry.ID, connector.ErrInvalidCredential, strings.Join(missing, ", "))
		}
		s.Put(cred)
	}
	return s, nil
}

func readSecret(lookup func(string) (string, bool), name string, missing *[]string) string {
	if name == "" {
		return ""
	}
	value, ok := lookup(name)
	if !ok {
		*missing = append(*missing, name)
		return ""
	}
	return strings.TrimSpace(value)
}

func (s *Static) Put(cred connector.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.ID] = cred
}

// Resolve only returns credentials owned by userID.
func (s *Static) Resolve(_ context.Context, userID, credentialID string) (connector.Credential, error) {
	s.mu.RLock()
	cred, ok := s.creds[credentialID]
	s.mu.RUnlock()
	if !ok || cred.UserID != userID {
		return connector.Credential{}, fmt.Errorf("%w: %s for user %s", ErrNotFound, credentialID, userID)
	}
	return cred, nil
}
