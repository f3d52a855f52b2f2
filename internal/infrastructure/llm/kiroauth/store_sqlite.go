package kiroauth

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// tokenKeys are the auth_kv rows that may hold a token, in probe order.
// kiro-cli and the amazon-q CLI have shipped several namings.
var tokenKeys = []string{
	"kirocli:social:token",
	"kirocli:odic:token",
	"codewhisperer:odic:token",
	"auth_token",
	"aws_sso_token",
	"builder_id_token",
}

// registrationKeys are the auth_kv rows that may hold the SSO client
// registration paired with a token row.
var registrationKeys = []string{
	"kirocli:odic:device-registration",
	"codewhisperer:odic:device-registration",
	"auth_registration",
	"aws_sso_registration",
}

// authRow is one key/value row in a kiro-cli database.
type authRow struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value"`
}

func (authRow) TableName() string { return "auth_kv" }

// SQLiteStore reads and writes the auth_kv table of a kiro-cli (or
// amazon-q-developer-cli) database. Loading opens the database
// read-only so a probe never blocks or mutates a live CLI install.
type SQLiteStore struct {
	path string
}

// NewSQLiteStore creates a store backed by the database at path.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) CanHandle(source CredentialSource) bool {
	return source.Kind == SourceSQLiteDB && source.Path == s.path
}

func (s *SQLiteStore) Load() (*TokenInfo, error) {
	if _, err := os.Stat(s.path); err != nil {
		return nil, nil
	}

	db, err := gorm.Open(sqlite.Open("file:"+s.path+"?mode=ro"), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", s.path, err)
	}
	defer closeDB(db)

	token := NewTokenInfo("", AutoSource())
	found := false
	for _, key := range tokenKeys {
		data, ok := readRow(db, key)
		if !ok {
			continue
		}
		if v, has := stringField(data, "access_token"); has {
			token.AccessToken = v
		}
		if v, has := stringField(data, "refresh_token"); has {
			token.RefreshToken = v
		}
		if v, has := stringField(data, "region"); has {
			token.SSORegion = v
		}
		if v, has := stringField(data, "expires_at"); has {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				token.ExpiresAt = ts.Unix()
			}
		}
		token.Source = SQLiteSource(s.path, key, "")
		found = true
		break
	}
	if !found {
		return nil, nil
	}

	for _, key := range registrationKeys {
		data, ok := readRow(db, key)
		if !ok {
			continue
		}
		if v, has := stringField(data, "client_id"); has {
			token.ClientID = v
		}
		if v, has := stringField(data, "client_secret"); has {
			token.ClientSecret = v
		}
		if token.SSORegion == "" {
			if v, has := stringField(data, "region"); has {
				token.SSORegion = v
			}
		}
		token.Source.RegKey = key
		break
	}

	token.DetectAuthType()
	return token, nil
}

// Save updates the token row the credentials were loaded from. The row
// must already exist; the CLI owns the schema and we only ever rewrite
// our own key.
func (s *SQLiteStore) Save(info *TokenInfo) error {
	if info.Source.Kind != SourceSQLiteDB {
		return fmt.Errorf("cannot persist %s credentials to a sqlite store", info.Source)
	}

	db, err := gorm.Open(sqlite.Open("file:"+info.Source.Path+"?mode=rw&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return fmt.Errorf("open sqlite %s for write: %w", info.Source.Path, err)
	}
	defer closeDB(db)

	payload := map[string]any{
		"access_token":  info.AccessToken,
		"refresh_token": info.RefreshToken,
		"expires_at":    time.Unix(info.ExpiresAt, 0).UTC().Format(time.RFC3339),
	}
	if info.SSORegion != "" {
		payload["region"] = info.SSORegion
	}
	if len(info.Scopes) > 0 {
		payload["scopes"] = info.Scopes
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode token row: %w", err)
	}

	if err := db.Model(&authRow{}).Where("key = ?", info.Source.Key).
		Update("value", string(raw)).Error; err != nil {
		return fmt.Errorf("update token row %q: %w", info.Source.Key, err)
	}
	return nil
}

func readRow(db *gorm.DB, key string) (map[string]any, bool) {
	var row authRow
	if err := db.Where("key = ?", key).Take(&row).Error; err != nil {
		return nil, false
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(row.Value), &data); err != nil {
		return nil, false
	}
	return data, true
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
