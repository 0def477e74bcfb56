package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	dbconfig "deskrelay/pkg/database"
	"deskrelay/pkg/interfaces"
)

// Manager implements interfaces.CredentialStore on sqlite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	retryDelay   time.Duration
	writeTimeout time.Duration
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the credential database and starts the writer goroutine.
// Migrations are applied separately through pkg/database.MigrationManager.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With(zap.String("component", "credential_store")),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
		writeTimeout: 30 * time.Second,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			// Lookups that miss are answers, not failures
			if err != nil && !errors.Is(err, interfaces.ErrCredentialNotFound) {
				m.logger.Warn("Database write failed, retrying", zap.Duration("delay", m.retryDelay), zap.Error(err))
				time.Sleep(m.retryDelay)
				if err = op.operation(m.db); err != nil {
					m.logger.Error("Database write failed after retry", zap.Error(err))
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(m.writeTimeout):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// StoreAgentToken inserts a new agent credential
func (m *Manager) StoreAgentToken(ctx context.Context, token *interfaces.AgentToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO agent_tokens (token, user_id, revoked, created_at) VALUES (?, ?, ?, ?)`,
			token.Token, token.UserID, token.Revoked, token.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert agent token: %w", err)
		}
		return nil
	})
}

// GetAgentToken resolves an agent credential
// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
func (m *Manager) GetAgentToken(ctx context.Context, token string) (*interfaces.AgentToken, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT token, user_id, revoked, created_at FROM agent_tokens WHERE token = ?`, token)

	var t interfaces.AgentToken
	if err := row.Scan(&t.Token, &t.UserID, &t.Revoked, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to query agent token: %w", err)
	}
	return &t, nil
}

// RevokeAgentToken marks a credential revoked; revoking twice is not an error
func (m *Manager) RevokeAgentToken(ctx context.Context, token string) error {
	return m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE agent_tokens SET revoked = 1 WHERE token = ?`, token)
		if err != nil {
			return fmt.Errorf("failed to revoke agent token: %w", err)
		}
		return requireAffected(res)
	})
}

// StoreVisitorSession inserts a new visitor session
func (m *Manager) StoreVisitorSession(ctx context.Context, record *interfaces.VisitorRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO visitor_sessions (token, session_id, conversation_id, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			record.Token,
			record.SessionID,
			nullString(record.ConversationID),
			nullTime(record.ExpiresAt),
			record.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert visitor session: %w", err)
		}
		return nil
	})
}

// GetVisitorSession resolves a visitor session by its widget token
func (m *Manager) GetVisitorSession(ctx context.Context, token string) (*interfaces.VisitorRecord, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT token, session_id, conversation_id, expires_at, created_at
		 FROM visitor_sessions WHERE token = ?`, token)

	var rec interfaces.VisitorRecord
	var conversationID sql.NullString
	var expiresAt sql.NullTime
	if err := row.Scan(&rec.Token, &rec.SessionID, &conversationID, &expiresAt, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to query visitor session: %w", err)
	}

	rec.ConversationID = conversationID.String
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

// UpdateVisitorConversation binds a visitor session to a conversation
func (m *Manager) UpdateVisitorConversation(ctx context.Context, sessionID, conversationID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE visitor_sessions SET conversation_id = ? WHERE session_id = ?`,
			nullString(conversationID), sessionID)
		if err != nil {
			return fmt.Errorf("failed to update visitor conversation: %w", err)
		}
		return requireAffected(res)
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_tokens").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the writer and closes the database
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return interfaces.ErrCredentialNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
