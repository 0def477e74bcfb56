package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	require.NotNil(t, config)
	assert.Equal(t, "./data/deskrelay.db", config.DatabasePath)
	assert.Equal(t, 10, config.MaxConnections)
	assert.Equal(t, time.Hour, config.ConnMaxLifetime)
	assert.Equal(t, 10*time.Minute, config.ConnMaxIdleTime)
	assert.NoError(t, config.Validate())
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty path", func(c *Config) { c.DatabasePath = "" }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"negative idle time", func(c *Config) { c.ConnMaxIdleTime = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestMigrationManager_LoadMigrations(t *testing.T) {
	manager := NewMigrationManager(openTestDB(t))

	migrations, err := manager.LoadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	assert.Equal(t, "001", migrations[0].Version)
	assert.Equal(t, "credentials", migrations[0].Description)
	assert.Contains(t, migrations[0].SQL, "agent_tokens")
}

func TestMigrationManager_ApplyMigrationsIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	manager := NewMigrationManager(db)

	require.NoError(t, manager.ApplyMigrations())
	require.NoError(t, manager.ApplyMigrations())

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 1, count)

	assert.NoError(t, manager.ValidateSchema())
}

func TestSchemaValidator(t *testing.T) {
	db := openTestDB(t)
	validator := NewSchemaValidator(db)

	// Should fail on empty database
	assert.Error(t, validator.ValidateTablesExist())

	require.NoError(t, ApplySQLiteOptimizations(db))
	require.NoError(t, NewMigrationManager(db).ApplyMigrations())

	assert.NoError(t, validator.ValidateTablesExist())
	assert.NoError(t, validator.ValidateTableStructure())
	assert.NoError(t, validator.ValidateIndexes())
}

func TestMigrationManager_ValidateSchemaDetectsDrift(t *testing.T) {
	tests := []struct {
		name  string
		drift string
	}{
		{"missing index", `DROP INDEX idx_visitor_sessions_conversation`},
		{"missing column", `ALTER TABLE agent_tokens DROP COLUMN created_at`},
		{"wrong column type", `ALTER TABLE visitor_sessions DROP COLUMN expires_at; ` +
			`ALTER TABLE visitor_sessions ADD COLUMN expires_at TEXT`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			manager := NewMigrationManager(db)
			require.NoError(t, manager.ApplyMigrations())
			require.NoError(t, manager.ValidateSchema())

			_, err := db.Exec(tt.drift)
			require.NoError(t, err)
			assert.Error(t, manager.ValidateSchema())
		})
	}
}

func TestSchema_RevokedCheckConstraint(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db).ApplyMigrations())

	_, err := db.Exec(`INSERT INTO agent_tokens (token, user_id, revoked) VALUES ('t1', 'U1', 2)`)
	assert.Error(t, err, "revoked must be constrained to 0/1")
}
