package kiroauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"
	"time"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

// Refresher exchanges a refresh token for a fresh access token using
// one auth flow.
type Refresher interface {
	// Refresh calls the flow's token endpoint with the credentials in
	// info and returns the resulting update. It never mutates info.
	Refresh(ctx context.Context, info *TokenInfo, client *http.Client) (*TokenUpdate, error)

	// CanHandle reports whether this refresher implements the flow for
	// the given auth type.
	CanHandle(authType AuthType) bool
}

// KiroDesktopRefresher implements the Kiro desktop refresh-token flow.
type KiroDesktopRefresher struct {
	fingerprint string
	// endpoint overrides the regional desktop endpoint in tests.
	endpoint string
}

// NewKiroDesktopRefresher creates a desktop refresher. The fingerprint
// is embedded in the user agent the desktop endpoint expects.
func NewKiroDesktopRefresher(fingerprint string) *KiroDesktopRefresher {
	return &KiroDesktopRefresher{fingerprint: fingerprint}
}

func (r *KiroDesktopRefresher) CanHandle(authType AuthType) bool {
	return authType == AuthKiroDesktop
}

type desktopRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	ProfileArn   string `json:"profileArn"`
}

func (r *KiroDesktopRefresher) Refresh(ctx context.Context, info *TokenInfo, client *http.Client) (*TokenUpdate, error) {
	url := r.endpoint
	if url == "" {
		url = fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", info.Region)
	}

	payload, err := json.Marshal(map[string]string{"refreshToken": info.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "KiroIDE-0.7.45-"+r.fingerprint)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiro desktop refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &llm.NoTokenError{
			Provider: fmt.Sprintf("kiro: refresh failed %d: %s", resp.StatusCode, body),
		}
	}

	var data desktopRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &llm.ResponseParsingError{Message: "decode kiro desktop refresh response", Err: err}
	}
	return &TokenUpdate{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    time.Now().Unix() + data.ExpiresIn,
		ProfileArn:   data.ProfileArn,
	}, nil
}

// AwsSsoOidcRefresher implements the AWS SSO OIDC refresh-token grant.
type AwsSsoOidcRefresher struct {
	// endpoint overrides the regional OIDC endpoint in tests.
	endpoint string
}

// NewAwsSsoOidcRefresher creates an SSO OIDC refresher.
func NewAwsSsoOidcRefresher() *AwsSsoOidcRefresher {
	return &AwsSsoOidcRefresher{}
}

func (r *AwsSsoOidcRefresher) CanHandle(authType AuthType) bool {
	return authType == AuthAwsSsoOidc
}

type ssoOidcRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (r *AwsSsoOidcRefresher) Refresh(ctx context.Context, info *TokenInfo, client *http.Client) (*TokenUpdate, error) {
	if info.ClientID == "" {
		return nil, fmt.Errorf("missing client_id for sso refresh")
	}
	if info.ClientSecret == "" {
		return nil, fmt.Errorf("missing client_secret for sso refresh")
	}

	region := info.SSORegion
	if region == "" {
		region = info.Region
	}
	url := r.endpoint
	if url == "" {
		url = fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)
	}

	payload, err := json.Marshal(map[string]string{
		"grantType":    "refresh_token",
		"clientId":     info.ClientID,
		"clientSecret": info.ClientSecret,
		"refreshToken": info.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aws sso oidc refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &llm.NoTokenError{
			Provider: fmt.Sprintf("aws_sso: refresh failed %d: %s", resp.StatusCode, body),
		}
	}

	var data ssoOidcRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &llm.ResponseParsingError{Message: "decode aws sso oidc refresh response", Err: err}
	}
	// The OIDC grant never returns a profile ARN; the existing one is kept.
	return &TokenUpdate{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    time.Now().Unix() + data.ExpiresIn,
	}, nil
}

// MachineFingerprint derives a stable per-machine identifier embedded in
// the user agents the Kiro endpoints see.
func MachineFingerprint() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	username := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	sum := sha256.Sum256([]byte(hostname + "-" + username + "-kiro-gateway"))
	return hex.EncodeToString(sum[:])
}
