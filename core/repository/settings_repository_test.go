package repository

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcribe-orchestrator/core/models"
)

var testDefaults = models.UserSettings{Model: "turbo", Language: "auto"}

func testRepo(t *testing.T) *SettingsRepository {
	db, err := NewDB(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSettingsRepository(db)
}

func TestGetUnknownUserReturnsDefaults(t *testing.T) {
	r := testRepo(t)

	got, err := r.Get(42, testDefaults)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.UserID)
	assert.Equal(t, "turbo", got.Model)
	assert.Equal(t, "auto", got.Language)
}

func TestSetModelPreservesLanguage(t *testing.T) {
	r := testRepo(t)

	require.NoError(t, r.SetLanguage(42, "alice", "de"))
	require.NoError(t, r.SetModel(42, "alice", "tiny"))

	got, err := r.Get(42, testDefaults)
	require.NoError(t, err)
	assert.Equal(t, "tiny", got.Model)
	assert.Equal(t, "de", got.Language, "changing the model must not reset the language")
	assert.Equal(t, "alice", got.Username)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestSetLanguagePreservesModel(t *testing.T) {
	r := testRepo(t)

	require.NoError(t, r.SetModel(42, "alice", "medium"))
	require.NoError(t, r.SetLanguage(42, "alice", "pt-BR"))

	got, err := r.Get(42, testDefaults)
	require.NoError(t, err)
	assert.Equal(t, "medium", got.Model)
	assert.Equal(t, "pt-BR", got.Language)
}

func TestPartialRowFallsBackPerColumn(t *testing.T) {
	r := testRepo(t)

	require.NoError(t, r.SetModel(42, "alice", "tiny"))

	got, err := r.Get(42, testDefaults)
	require.NoError(t, err)
	assert.Equal(t, "tiny", got.Model)
	assert.Equal(t, "auto", got.Language, "unset language column falls back to the default")
}

func TestUsersAreIsolated(t *testing.T) {
	r := testRepo(t)

	require.NoError(t, r.SetModel(1, "alice", "tiny"))
	require.NoError(t, r.SetModel(2, "bob", "medium"))

	a, err := r.Get(1, testDefaults)
	require.NoError(t, err)
	b, err := r.Get(2, testDefaults)
	require.NoError(t, err)
	assert.Equal(t, "tiny", a.Model)
	assert.Equal(t, "medium", b.Model)
}
