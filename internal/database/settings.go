package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetSetting decodes the JSON value stored under key into dst. It reports
// false when the key has never been written.
func (db *DB) GetSetting(ctx context.Context, key string, dst any) (bool, error) {
	var raw string
	err := db.SQL.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get setting %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

// PutSetting stores v as JSON under key.
func (db *DB) PutSetting(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	_, err = db.SQL.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(raw), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// AllSettings returns every stored setting as raw JSON.
func (db *DB) AllSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := db.SQL.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}

// Setting keys.
const (
	SettingASR     = "asr"
	SettingLLM     = "llm"
	SettingSummary = "summary"
)

// ASRSettings selects the speech recognition model.
type ASRSettings struct {
	ModelID  string `json:"model_id"`
	Language string `json:"language,omitempty"`
	Device   string `json:"device" validate:"omitempty,oneof=auto cpu gpu"`
}

// LLMSettings selects the summarization model by preset or explicit path.
type LLMSettings struct {
	ModelID   string `json:"model_id,omitempty"`
	ModelPath string `json:"model_path,omitempty"`
	Device    string `json:"device" validate:"omitempty,oneof=auto cpu gpu"`
}

// SummarySettings holds summarization defaults.
type SummarySettings struct {
	DefaultLength string `json:"default_length" validate:"omitempty,oneof=short mid long"`
}

// AppSettings is the whole settings document.
type AppSettings struct {
	ASR     ASRSettings     `json:"asr"`
	LLM     LLMSettings     `json:"llm"`
	Summary SummarySettings `json:"summary"`
}

// DefaultSettings returns the settings used before anything is stored.
func DefaultSettings() AppSettings {
	return AppSettings{
		ASR:     ASRSettings{ModelID: "base.en", Device: "auto"},
		LLM:     LLMSettings{Device: "auto"},
		Summary: SummarySettings{DefaultLength: "mid"},
	}
}

// LoadSettings returns the stored settings over the defaults. Fields missing
// from a stored section keep their default.
func (db *DB) LoadSettings(ctx context.Context) (AppSettings, error) {
	s := DefaultSettings()
	if _, err := db.GetSetting(ctx, SettingASR, &s.ASR); err != nil {
		return s, err
	}
	if _, err := db.GetSetting(ctx, SettingLLM, &s.LLM); err != nil {
		return s, err
	}
	if _, err := db.GetSetting(ctx, SettingSummary, &s.Summary); err != nil {
		return s, err
	}
	return s, nil
}

// SaveSettings writes all sections in one transaction.
func (db *DB) SaveSettings(ctx context.Context, s AppSettings) error {
	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := toMillis(time.Now())
	for key, v := range map[string]any{SettingASR: s.ASR, SettingLLM: s.LLM, SettingSummary: s.Summary} {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode setting %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, string(raw), now); err != nil {
			return fmt.Errorf("put setting %s: %w", key, err)
		}
	}
	return tx.Commit()
}
