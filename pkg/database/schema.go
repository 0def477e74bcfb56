package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator verifies the credential schema after migrations
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"agent_tokens":      "Agent bearer credentials",
		"visitor_sessions":  "Visitor widget sessions",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column types match what the store scans into
func (v *SchemaValidator) ValidateTableStructure() error {
	agentColumns := map[string]string{
		"token":      "TEXT",
		"user_id":    "TEXT",
		"revoked":    "INTEGER",
		"created_at": "DATETIME",
	}
	if err := v.validateColumns("agent_tokens", agentColumns); err != nil {
		return fmt.Errorf("agent_tokens table structure invalid: %w", err)
	}

	visitorColumns := map[string]string{
		"token":           "TEXT",
		"session_id":      "TEXT",
		"conversation_id": "TEXT",
		"expires_at":      "DATETIME",
		"created_at":      "DATETIME",
	}
	if err := v.validateColumns("visitor_sessions", visitorColumns); err != nil {
		return fmt.Errorf("visitor_sessions table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range []string{"idx_agent_tokens_user", "idx_visitor_sessions_conversation"} {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
