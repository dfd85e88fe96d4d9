package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/vivaria-project/vivaria/internal/database"
	"github.com/vivaria-project/vivaria/internal/models"
)

// SettingsRepository persists panel settings (admin credentials, 2FA state)
// as key/value rows. This is the only durable state the auth subsystem
// consumes; sessions and challenges are in-memory on purpose.
type SettingsRepository struct {
	db *database.DB
}

// NewSettingsRepository creates a new SettingsRepository
func NewSettingsRepository(db *database.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the value for a settings key, or models.ErrNotFound.
func (r *SettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", models.ErrNotFound
		}
		return "", database.MapPostgresError(err)
	}
	return value, nil
}

// Set writes a settings key, inserting or overwriting as needed.
func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	return database.MapPostgresError(err)
}

// Delete removes a settings key. Missing keys are not an error.
func (r *SettingsRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM settings WHERE key = $1`, key)
	return database.MapPostgresError(err)
}
