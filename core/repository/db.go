package repository

import (
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sqlite handle holding the orchestrator's durable state. The
// only tables are long-lived preferences; jobs themselves are deliberately
// not persisted.
type DB struct {
	*sql.DB
}

// NewDB opens the sqlite database at path, creating it and its schema when
// missing
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite at %s", path)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, errors.Wrapf(err, "ping sqlite at %s", path)
	}

	db := &DB{sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS user_settings (
			user_id    INTEGER PRIMARY KEY,
			username   TEXT,
			model      TEXT,
			language   TEXT,
			updated_at TIMESTAMP
		)
	`
	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "create user_settings table")
	}
	return nil
}
