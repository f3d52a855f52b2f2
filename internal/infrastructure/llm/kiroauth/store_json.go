package kiroauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// JSONFileStore reads and writes a Kiro desktop or AWS SSO cache file.
// Both use the same camelCase field names; SSO caches additionally carry
// a client registration, either inline or via clientIdHash pointing at a
// sibling registration file.
type JSONFileStore struct {
	path string
}

// NewJSONFileStore creates a store backed by the JSON file at path.
func NewJSONFileStore(path string) *JSONFileStore {
	return &JSONFileStore{path: path}
}

func (s *JSONFileStore) CanHandle(source CredentialSource) bool {
	return source.Kind == SourceJSONFile && source.Path == s.path
}

func (s *JSONFileStore) Load() (*TokenInfo, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", s.path, err)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", s.path, err)
	}

	token := NewTokenInfo("", JSONFileSource(s.path))
	if v, ok := stringField(data, "refreshToken"); ok {
		token.RefreshToken = v
	}
	if v, ok := stringField(data, "accessToken"); ok {
		token.AccessToken = v
	}
	if v, ok := stringField(data, "region"); ok {
		token.Region = v
	}
	if v, ok := stringField(data, "profileArn"); ok {
		token.ProfileArn = v
	}
	if v, ok := stringField(data, "clientId"); ok {
		token.ClientID = v
	}
	if v, ok := stringField(data, "clientSecret"); ok {
		token.ClientSecret = v
	}

	// Enterprise SSO caches reference their device registration by hash
	// instead of inlining the client secret.
	if hash, ok := stringField(data, "clientIdHash"); ok {
		loadDeviceRegistration(token, hash)
	}

	if v, ok := stringField(data, "expiresAt"); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			token.ExpiresAt = ts.Unix()
		}
	}

	if token.RefreshToken == "" && token.AccessToken == "" {
		return nil, nil
	}

	token.DetectAuthType()
	return token, nil
}

// Save rewrites the token fields in place, preserving any fields the
// file carries that we do not model.
func (s *JSONFileStore) Save(info *TokenInfo) error {
	data := map[string]any{}
	if raw, err := os.ReadFile(s.path); err == nil {
		if err := json.Unmarshal(raw, &data); err != nil {
			data = map[string]any{}
		}
	}

	data["accessToken"] = info.AccessToken
	data["refreshToken"] = info.RefreshToken
	data["expiresAt"] = time.Unix(info.ExpiresAt, 0).UTC().Format(time.RFC3339)

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials %s: %w", s.path, err)
	}
	return nil
}

// loadDeviceRegistration fills the client registration from the SSO
// cache file named after the registration hash. Missing or malformed
// files are ignored; the token simply stays on the desktop flow.
func loadDeviceRegistration(token *TokenInfo, clientIDHash string) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	path := filepath.Join(home, ".aws", "sso", "cache", clientIDHash+".json")

	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	if v, ok := stringField(data, "clientId"); ok {
		token.ClientID = v
	}
	if v, ok := stringField(data, "clientSecret"); ok {
		token.ClientSecret = v
	}
}

func stringField(data map[string]any, key string) (string, bool) {
	v, ok := data[key].(string)
	return v, ok
}
