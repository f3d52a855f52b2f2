package kiroauth

import "os"

// CredentialStore reads and writes one credential location. Stores are
// probe-friendly: Load returns (nil, nil) when the location simply holds
// no credentials, reserving errors for locations that exist but cannot
// be read.
type CredentialStore interface {
	// Load reads credentials from this store.
	Load() (*TokenInfo, error)

	// Save persists refreshed credentials back to this store.
	Save(info *TokenInfo) error

	// CanHandle reports whether this store owns the given source, i.e.
	// whether Save would write to where the token was loaded from.
	CanHandle(source CredentialSource) bool
}

// EnvStore reads credentials from GAUD_KIRO_* environment variables.
// The unprefixed KIRO_REFRESH_TOKEN is accepted as a fallback. Saving
// is a no-op since the environment cannot be written back.
type EnvStore struct {
	region string
}

// NewEnvStore creates an environment store. region is used when
// GAUD_KIRO_REGION is unset.
func NewEnvStore(region string) *EnvStore {
	return &EnvStore{region: region}
}

func (s *EnvStore) CanHandle(source CredentialSource) bool {
	return source.Kind == SourceEnvironment
}

func (s *EnvStore) Load() (*TokenInfo, error) {
	rt := os.Getenv("GAUD_KIRO_REFRESH_TOKEN")
	if rt == "" {
		rt = os.Getenv("KIRO_REFRESH_TOKEN")
	}
	if rt == "" {
		return nil, nil
	}

	token := NewTokenInfo(rt, EnvironmentSource())
	if v := os.Getenv("GAUD_KIRO_REGION"); v != "" {
		token.Region = v
	} else if s.region != "" {
		token.Region = s.region
	}
	token.ProfileArn = os.Getenv("GAUD_KIRO_PROFILE_ARN")
	token.DetectAuthType()
	return token, nil
}

// Save is a no-op: environment variables are read-only for persistence.
func (s *EnvStore) Save(*TokenInfo) error {
	return nil
}
