// Package kiroauth manages Kiro/CodeWhisperer credentials: loading them
// from the environment, Kiro desktop JSON caches or kiro-cli SQLite
// databases, refreshing them against the desktop or SSO-OIDC endpoints,
// and persisting refreshed tokens back to where they came from.
package kiroauth

import (
	"fmt"
	"time"
)

// AuthType selects the refresh flow for a credential set.
type AuthType int

const (
	// AuthUnknown means the credential shape matched no known flow.
	AuthUnknown AuthType = iota
	// AuthKiroDesktop is the Kiro desktop refresh-token flow.
	AuthKiroDesktop
	// AuthAwsSsoOidc is the AWS SSO OIDC clientId/clientSecret flow.
	AuthAwsSsoOidc
)

// String returns the wire label for the auth type.
func (t AuthType) String() string {
	switch t {
	case AuthKiroDesktop:
		return "kiro_desktop"
	case AuthAwsSsoOidc:
		return "aws_sso_oidc"
	default:
		return "unknown"
	}
}

// SourceKind identifies where a credential set lives.
type SourceKind int

const (
	SourceEnvironment SourceKind = iota
	SourceJSONFile
	SourceSQLiteDB
	SourceAuto
)

// CredentialSource identifies a concrete credential location, precise
// enough to write a refreshed token back to it.
type CredentialSource struct {
	Kind SourceKind
	// Path is the file path for JSON and SQLite sources.
	Path string
	// Key is the SQLite row key the token was loaded from.
	Key string
	// RegKey is the SQLite row key of the device registration, if any.
	RegKey string
}

// EnvironmentSource returns the environment-variable source.
func EnvironmentSource() CredentialSource {
	return CredentialSource{Kind: SourceEnvironment}
}

// JSONFileSource returns a source backed by a JSON cache file.
func JSONFileSource(path string) CredentialSource {
	return CredentialSource{Kind: SourceJSONFile, Path: path}
}

// SQLiteSource returns a source backed by a row in a kiro-cli database.
func SQLiteSource(path, key, regKey string) CredentialSource {
	return CredentialSource{Kind: SourceSQLiteDB, Path: path, Key: key, RegKey: regKey}
}

// AutoSource returns the placeholder source used before detection runs.
func AutoSource() CredentialSource {
	return CredentialSource{Kind: SourceAuto}
}

// String returns a loggable description of the source.
func (s CredentialSource) String() string {
	switch s.Kind {
	case SourceEnvironment:
		return "environment"
	case SourceJSONFile:
		return "file:" + s.Path
	case SourceSQLiteDB:
		return "sqlite:" + s.Path
	case SourceAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// refreshSkew is how long before expiry a token is considered stale.
const refreshSkew = 600 // seconds

// TokenInfo is a Kiro credential set with enough provenance to refresh
// and persist it.
type TokenInfo struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is seconds since the Unix epoch. Callers must store
	// seconds, not milliseconds; NeedsRefresh compares against
	// time.Now().Unix().
	ExpiresAt  int64
	Region     string
	ProfileArn string
	AuthType   AuthType
	Source     CredentialSource

	// AWS SSO client registration, present for the OIDC flow.
	ClientID     string
	ClientSecret string
	SSORegion    string
	Scopes       []string
}

// NewTokenInfo creates a token holding only a refresh token, pending its
// first refresh. Region defaults to us-east-1.
func NewTokenInfo(refreshToken string, source CredentialSource) *TokenInfo {
	return &TokenInfo{
		RefreshToken: refreshToken,
		Region:       "us-east-1",
		AuthType:     AuthKiroDesktop,
		Source:       source,
	}
}

// NeedsRefresh reports whether the access token is missing or expires
// within the next ten minutes.
func (t *TokenInfo) NeedsRefresh() bool {
	return t.ExpiresAt < time.Now().Unix()+refreshSkew || t.AccessToken == ""
}

// Expired reports whether the access token is past its expiry outright.
func (t *TokenInfo) Expired() bool {
	return t.ExpiresAt < time.Now().Unix()
}

// DetectAuthType sets AuthType from the credential shape: a full client
// registration selects the SSO-OIDC flow, a bare refresh token the
// desktop flow, and anything else is unknown.
func (t *TokenInfo) DetectAuthType() {
	switch {
	case t.ClientID != "" && t.ClientSecret != "":
		t.AuthType = AuthAwsSsoOidc
	case t.RefreshToken != "":
		t.AuthType = AuthKiroDesktop
	default:
		t.AuthType = AuthUnknown
	}
}

// Clone returns a deep copy so callers can snapshot the token outside
// the manager's lock.
func (t *TokenInfo) Clone() *TokenInfo {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Scopes != nil {
		cp.Scopes = append([]string(nil), t.Scopes...)
	}
	return &cp
}

// Redacted returns a description safe for logs.
func (t *TokenInfo) Redacted() string {
	return fmt.Sprintf("TokenInfo{source=%s auth=%s region=%s expires_at=%d access=%t refresh=%t}",
		t.Source, t.AuthType, t.Region, t.ExpiresAt, t.AccessToken != "", t.RefreshToken != "")
}

// TokenUpdate is the outcome of a successful refresh call.
type TokenUpdate struct {
	AccessToken string
	// RefreshToken is the rotated refresh token, empty when the endpoint
	// did not rotate it.
	RefreshToken string
	ExpiresAt    int64
	ProfileArn   string
}
