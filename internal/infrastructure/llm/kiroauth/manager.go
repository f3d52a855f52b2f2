package kiroauth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gaud/gateway/internal/infrastructure/llm"
)

// Manager owns the Kiro token lifecycle: detecting credentials across
// stores, serving the cached access token, refreshing it before expiry
// and persisting rotations back to the originating store.
//
// Degradation is graceful on every edge: store load errors skip to the
// next store, persistence failures are logged but do not fail the
// refresh, and a failed refresh falls back to the cached token as long
// as it has not actually expired.
type Manager struct {
	log        *zap.Logger
	client     *http.Client
	region     string
	refreshers []Refresher

	mu    sync.RWMutex
	token *TokenInfo

	storeMu sync.RWMutex
	stores  []CredentialStore
}

// NewManager creates a manager seeded with the environment store.
// Further stores are registered with AddStore or DetectStores. region
// is the fallback when no credential carries one.
func NewManager(fingerprint, region string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if region == "" {
		region = "us-east-1"
	}
	client := llm.NewHTTPClient(30 * time.Second)
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Manager{
		log:    log,
		client: client,
		region: region,
		refreshers: []Refresher{
			NewKiroDesktopRefresher(fingerprint),
			NewAwsSsoOidcRefresher(),
		},
		stores: []CredentialStore{NewEnvStore(region)},
	}
}

// AddStore registers another credential location. Stores are probed in
// registration order, environment first.
func (m *Manager) AddStore(store CredentialStore) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	m.stores = append(m.stores, store)
}

// AutoDetectOptions names explicit credential locations to probe ahead
// of the conventional ones.
type AutoDetectOptions struct {
	// CredsFile is an explicit JSON credentials file.
	CredsFile string
	// DBPath is an explicit kiro-cli database.
	DBPath string
	// SSOCacheDir overrides the default ~/.aws/sso/cache directory.
	SSOCacheDir string
}

// DetectStores registers every conventional credential location: the
// explicit paths from opts, each JSON file in the SSO cache directory,
// and the kiro-cli and amazon-q CLI databases under the home directory.
func (m *Manager) DetectStores(opts AutoDetectOptions) {
	if opts.CredsFile != "" {
		m.AddStore(NewJSONFileStore(opts.CredsFile))
	}
	if opts.DBPath != "" {
		m.AddStore(NewSQLiteStore(opts.DBPath))
	}

	ssoDir := opts.SSOCacheDir
	if ssoDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			ssoDir = filepath.Join(home, ".aws", "sso", "cache")
		}
	}
	if ssoDir != "" {
		if entries, err := os.ReadDir(ssoDir); err == nil {
			for _, entry := range entries {
				if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
					continue
				}
				m.AddStore(NewJSONFileStore(filepath.Join(ssoDir, entry.Name())))
			}
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		m.AddStore(NewSQLiteStore(filepath.Join(home, ".local", "share", "kiro-cli", "data.sqlite3")))
		m.AddStore(NewSQLiteStore(filepath.Join(home, ".local", "share", "amazon-q-developer-cli", "data.sqlite3")))
	}
}

// LoadAny probes every store in order and adopts the first credential
// set found. Store errors are logged and skipped.
func (m *Manager) LoadAny() error {
	m.storeMu.RLock()
	defer m.storeMu.RUnlock()
	for _, store := range m.stores {
		info, err := store.Load()
		if err != nil {
			m.log.Warn("error loading kiro credentials from store", zap.Error(err))
			continue
		}
		if info == nil {
			continue
		}
		m.log.Info("loaded kiro credentials",
			zap.Stringer("source", info.Source),
			zap.Stringer("auth_type", info.AuthType))
		m.mu.Lock()
		m.token = info
		m.mu.Unlock()
		return nil
	}
	return &llm.NoTokenError{Provider: "kiro: all auth detection failed"}
}

// GetToken returns a valid access token, refreshing it first when it is
// missing or inside the expiry skew window.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	if err := m.ensureLoaded(); err != nil {
		return "", err
	}

	needsRefresh, access, expired := m.tokenState()
	if !needsRefresh && access != "" {
		return access, nil
	}

	token, err := m.refresh(ctx)
	if err == nil {
		return token, nil
	}
	// A refresh failure does not invalidate a token that has not
	// actually expired yet.
	if access != "" && !expired {
		m.log.Warn("kiro token refresh failed, serving still-valid cached token", zap.Error(err))
		return access, nil
	}
	return "", err
}

// ForceRefresh drops the cached access token and refreshes, for use
// after the upstream rejected the token we sent.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	if err := m.ensureLoaded(); err != nil {
		return err
	}
	m.log.Info("force refreshing kiro token")
	m.mu.Lock()
	if m.token != nil {
		m.token.AccessToken = ""
	}
	m.mu.Unlock()
	_, err := m.refresh(ctx)
	return err
}

// Region returns the credential's region, or the manager fallback when
// nothing is loaded.
func (m *Manager) Region() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token != nil && m.token.Region != "" {
		return m.token.Region
	}
	return m.region
}

// ProfileArn returns the enterprise profile ARN carried by the
// credential, or "" for consumer accounts.
func (m *Manager) ProfileArn() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token != nil {
		return m.token.ProfileArn
	}
	return ""
}

func (m *Manager) ensureLoaded() error {
	m.mu.RLock()
	loaded := m.token != nil
	m.mu.RUnlock()
	if loaded {
		return nil
	}
	return m.LoadAny()
}

func (m *Manager) tokenState() (needsRefresh bool, access string, expired bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return true, "", true
	}
	return m.token.NeedsRefresh(), m.token.AccessToken, m.token.Expired()
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	// Another process sharing the store may already have refreshed;
	// adopt its token before paying for a network refresh.
	m.mu.RLock()
	var source CredentialSource
	hasToken := m.token != nil
	if hasToken {
		source = m.token.Source
	}
	m.mu.RUnlock()
	if hasToken {
		if reloaded := m.reloadFresh(source); reloaded != nil {
			m.mu.Lock()
			m.token = reloaded
			m.mu.Unlock()
			m.log.Debug("picked up fresh kiro token from store reload")
			return reloaded.AccessToken, nil
		}
	}

	m.mu.Lock()
	if m.token == nil {
		m.mu.Unlock()
		return "", &llm.NoTokenError{Provider: "kiro: not authenticated"}
	}
	// Double-check under the write lock: a concurrent caller may have
	// refreshed while we waited for it.
	if !m.token.NeedsRefresh() && m.token.AccessToken != "" {
		token := m.token.AccessToken
		m.mu.Unlock()
		return token, nil
	}

	var refresher Refresher
	for _, r := range m.refreshers {
		if r.CanHandle(m.token.AuthType) {
			refresher = r
			break
		}
	}
	if refresher == nil {
		authType := m.token.AuthType
		m.mu.Unlock()
		return "", fmt.Errorf("no refresh flow for auth type %s", authType)
	}

	// The lock stays held across the call so concurrent callers share a
	// single upstream refresh.
	update, err := refresher.Refresh(ctx, m.token.Clone(), m.client)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}

	m.token.AccessToken = update.AccessToken
	if update.RefreshToken != "" {
		m.token.RefreshToken = update.RefreshToken
	}
	if update.ProfileArn != "" {
		m.token.ProfileArn = update.ProfileArn
	}
	m.token.ExpiresAt = update.ExpiresAt
	access := m.token.AccessToken
	persisted := m.token.Clone()
	m.mu.Unlock()

	m.persist(persisted)
	return access, nil
}

// reloadFresh reloads from the store owning source and returns the
// token only when it is immediately usable.
func (m *Manager) reloadFresh(source CredentialSource) *TokenInfo {
	m.storeMu.RLock()
	defer m.storeMu.RUnlock()
	for _, store := range m.stores {
		if !store.CanHandle(source) {
			continue
		}
		reloaded, err := store.Load()
		if err != nil || reloaded == nil {
			continue
		}
		if !reloaded.NeedsRefresh() && reloaded.AccessToken != "" {
			return reloaded
		}
	}
	return nil
}

// persist writes the refreshed token back to its originating store.
// Failures are logged, never surfaced: the in-memory token is already
// usable.
func (m *Manager) persist(info *TokenInfo) {
	m.storeMu.RLock()
	defer m.storeMu.RUnlock()
	for _, store := range m.stores {
		if !store.CanHandle(info.Source) {
			continue
		}
		if err := store.Save(info); err != nil {
			m.log.Warn("failed to persist refreshed kiro token",
				zap.Stringer("source", info.Source), zap.Error(err))
		}
		return
	}
}
