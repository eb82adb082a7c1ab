package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/chatdesk/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writes to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	return openSQLite(dbPath)
}

func openSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		sender_role TEXT NOT NULL DEFAULT 'customer',
		user TEXT NOT NULL,
		message TEXT NOT NULL,
		sent_at INTEGER NOT NULL,
		ip_address TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, id);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE,
		agent_name TEXT NOT NULL,
		agent_connection_id TEXT,
		assigned_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// FindAssignment retrieves the durable assignment for a session.
func (s *SQLiteStore) FindAssignment(ctx context.Context, sessionID string) (*domain.Assignment, error) {
	query := `
		SELECT session_id, agent_name, agent_connection_id, assigned_at
		FROM agent_sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)
	assignment, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan assignment row: %w", err)
	}
	return assignment, nil
}

// UpsertAssignment creates or overwrites the assignment for a session.
func (s *SQLiteStore) UpsertAssignment(ctx context.Context, assignment *domain.Assignment) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO agent_sessions (session_id, agent_name, agent_connection_id, assigned_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		agent_name = excluded.agent_name,
		agent_connection_id = excluded.agent_connection_id,
		assigned_at = excluded.assigned_at`

	var connectionID interface{}
	if assignment.AgentConnectionID != "" {
		connectionID = assignment.AgentConnectionID
	}

	assignedAt := assignment.AssignedAt
	if assignedAt.IsZero() {
		assignedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		assignment.SessionID, assignment.AgentName, connectionID, assignedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}

// RemoveAssignment deletes the assignment for a session.
func (s *SQLiteStore) RemoveAssignment(ctx context.Context, sessionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("remove assignment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Debug("RemoveAssignment affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// ListAssignments returns every durable assignment keyed by session ID.
func (s *SQLiteStore) ListAssignments(ctx context.Context) (map[string]*domain.Assignment, error) {
	query := `SELECT session_id, agent_name, agent_connection_id, assigned_at FROM agent_sessions`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close assignment rows", "error", closeErr)
		}
	}()

	assignments := make(map[string]*domain.Assignment)
	for rows.Next() {
		assignment, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment row: %w", err)
		}
		assignments[assignment.SessionID] = assignment
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return assignments, nil
}

// LatestAssignedAgent returns the agent named by the session's assignment.
func (s *SQLiteStore) LatestAssignedAgent(ctx context.Context, sessionID string) (string, error) {
	assignment, err := s.FindAssignment(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if assignment == nil {
		return "", nil
	}
	return assignment.AgentName, nil
}

// AppendMessage persists a transcript line and sets its ID.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO chat_messages (session_id, sender_role, user, message, sent_at, ip_address)
	VALUES (?, ?, ?, ?, ?, ?)`

	var ip interface{}
	if msg.IPAddress != "" {
		ip = msg.IPAddress
	}

	result, err := s.db.ExecContext(ctx, query,
		msg.SessionID, string(msg.SenderRole), msg.User, msg.Message, msg.SentAt.UnixMilli(), ip,
	)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	msg.ID = id
	return nil
}

// HistoryFor returns the transcript of a session in persisted order.
func (s *SQLiteStore) HistoryFor(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error) {
	query := `
		SELECT id, session_id, sender_role, user, message, sent_at, ip_address
		FROM chat_messages WHERE session_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	messages := make([]*domain.ChatMessage, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return messages, nil
}

// LatestMessages returns the most recent message of each given session.
func (s *SQLiteStore) LatestMessages(ctx context.Context, sessionIDs []string) (map[string]*domain.ChatMessage, error) {
	latest := make(map[string]*domain.ChatMessage)
	if len(sessionIDs) == 0 {
		return latest, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sessionIDs)), ",")
	query := `
		SELECT id, session_id, sender_role, user, message, sent_at, ip_address
		FROM chat_messages
		WHERE id IN (
			SELECT MAX(id) FROM chat_messages
			WHERE session_id IN (` + placeholders + `)
			GROUP BY session_id
		)`

	args := make([]interface{}, len(sessionIDs))
	for i, id := range sessionIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query latest messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close latest message rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan latest message row: %w", err)
		}
		latest[msg.SessionID] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest messages: %w", err)
	}
	return latest, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAssignment(row rowScanner) (*domain.Assignment, error) {
	var assignment domain.Assignment
	var connectionID sql.NullString
	var assignedAt int64

	if err := row.Scan(&assignment.SessionID, &assignment.AgentName, &connectionID, &assignedAt); err != nil {
		return nil, err
	}

	assignment.AgentConnectionID = connectionID.String
	assignment.AssignedAt = time.UnixMilli(assignedAt).UTC()
	return &assignment, nil
}

func scanMessage(row rowScanner) (*domain.ChatMessage, error) {
	var msg domain.ChatMessage
	var role string
	var sentAt int64
	var ip sql.NullString

	if err := row.Scan(&msg.ID, &msg.SessionID, &role, &msg.User, &msg.Message, &sentAt, &ip); err != nil {
		return nil, err
	}

	msg.SenderRole = domain.Role(role)
	msg.SentAt = time.UnixMilli(sentAt).UTC()
	msg.IPAddress = ip.String
	return &msg, nil
}
