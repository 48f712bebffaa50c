package repository

import (
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"transcribe-orchestrator/core/models"
)

// SettingsRepository handles database operations for per-user transcription
// preferences
type SettingsRepository struct {
	db *DB
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the user's stored settings. A user without a row, or with a
// column never set, gets the given defaults for the missing parts.
func (r *SettingsRepository) Get(userID int64, defaults models.UserSettings) (models.UserSettings, error) {
	query := `
		SELECT username, model, language, updated_at
		FROM user_settings
		WHERE user_id = ?
	`

	out := defaults
	out.UserID = userID

	var username, model, language sql.NullString
	var updatedAt sql.NullTime
	err := r.db.QueryRow(query, userID).Scan(&username, &model, &language, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return out, errors.Wrapf(err, "load settings for user %d", userID)
	}

	if username.Valid {
		out.Username = username.String
	}
	if model.Valid && model.String != "" {
		out.Model = model.String
	}
	if language.Valid && language.String != "" {
		out.Language = language.String
	}
	if updatedAt.Valid {
		out.UpdatedAt = updatedAt.Time
	}
	return out, nil
}

// SetModel stores the user's model choice, leaving their language untouched
func (r *SettingsRepository) SetModel(userID int64, username, model string) error {
	return r.upsert(userID, username, &model, nil)
}

// SetLanguage stores the user's language choice, leaving their model untouched
func (r *SettingsRepository) SetLanguage(userID int64, username, language string) error {
	return r.upsert(userID, username, nil, &language)
}

func (r *SettingsRepository) upsert(userID int64, username string, model, language *string) error {
	query := `
		INSERT INTO user_settings (user_id, username, model, language, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username   = excluded.username,
			model      = COALESCE(excluded.model, user_settings.model),
			language   = COALESCE(excluded.language, user_settings.language),
			updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, userID, username, model, language, time.Now())
	return errors.Wrapf(err, "store settings for user %d", userID)
}
