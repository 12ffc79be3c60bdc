package auth

// ResolverStore adapts CredentialManager to the small
// provider.CredentialStore interface (Get/All keyed by provider id), so the
// resolver's stored-credentials pass can read whatever a user has
// previously logged into via the auth CLI without depending on this
// package's concrete types.
//
// Only Anthropic is backed today, matching the only provider the OAuth flow
// in this package supports; other providers fall through to the env-var and
// user-config passes.
type ResolverStore struct {
	cm *CredentialManager
}

// NewResolverStore wraps a CredentialManager for use as a provider
// resolver's CredentialStore.
func NewResolverStore(cm *CredentialManager) *ResolverStore {
	return &ResolverStore{cm: cm}
}

// Get returns the stored options for providerID, if any. For Anthropic OAuth
// credentials this resolves (and, if needed, refreshes) a valid access
// token; for an API key it returns the key as-is.
func (s *ResolverStore) Get(providerID string) (map[string]any, bool) {
	if providerID != "anthropic" {
		return nil, false
	}
	creds, err := s.cm.GetAnthropicCredentials()
	if err != nil || creds == nil {
		return nil, false
	}

	switch creds.Type {
	case "oauth":
		token, err := s.cm.GetValidAccessToken()
		if err != nil || token == "" {
			return nil, false
		}
		return map[string]any{"apiKey": token, "oauth": true}, true
	case "api_key":
		if creds.APIKey == "" {
			return nil, false
		}
		return map[string]any{"apiKey": creds.APIKey}, true
	default:
		return nil, false
	}
}

// All returns every provider with stored credentials.
func (s *ResolverStore) All() map[string]map[string]any {
	out := map[string]map[string]any{}
	if opts, ok := s.Get("anthropic"); ok {
		out["anthropic"] = opts
	}
	return out
}
