package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"pollbot/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertDepartment creates the department or renames the existing one with the same key.
func (s *PostgresStore) UpsertDepartment(ctx context.Context, key, name string) (Department, error) {
	var dep Department
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO departments (key, name)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET name=EXCLUDED.name
		RETURNING id, key, name, created_at
	`, key, name).Scan(&dep.ID, &dep.Key, &dep.Name, &dep.CreatedAt)
	if err != nil {
		return Department{}, fmt.Errorf("upsert department %s: %w", key, err)
	}
	return dep, nil
}

func (s *PostgresStore) ListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, name, created_at
		FROM departments
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	defer rows.Close()

	items := make([]Department, 0)
	for rows.Next() {
		var item Department
		if err := rows.Scan(&item.ID, &item.Key, &item.Name, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate departments: %w", err)
	}
	return items, nil
}

// GetDepartmentByKey returns sql.ErrNoRows when no department has the key.
func (s *PostgresStore) GetDepartmentByKey(ctx context.Context, key string) (Department, error) {
	var dep Department
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, name, created_at FROM departments WHERE key=$1
	`, key).Scan(&dep.ID, &dep.Key, &dep.Name, &dep.CreatedAt)
	if err != nil {
		return Department{}, err
	}
	return dep, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session ChatSession) (ChatSession, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_sessions (id, department_id, user_id)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, session.ID, session.DepartmentID, session.UserID).Scan(&session.CreatedAt)
	if err != nil {
		return ChatSession{}, fmt.Errorf("insert chat session: %w", err)
	}
	return session, nil
}

// GetSession loads a session with its department. Missing sessions yield sql.ErrNoRows.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (ChatSession, error) {
	var session ChatSession
	var userID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT cs.id, cs.department_id, cs.user_id, cs.created_at,
		       d.id, d.key, d.name, d.created_at
		FROM chat_sessions cs
		JOIN departments d ON d.id = cs.department_id
		WHERE cs.id=$1
	`, sessionID).Scan(
		&session.ID, &session.DepartmentID, &userID, &session.CreatedAt,
		&session.Department.ID, &session.Department.Key, &session.Department.Name, &session.Department.CreatedAt,
	)
	if err != nil {
		return ChatSession{}, err
	}
	if userID.Valid {
		session.UserID = &userID.String
	}
	return session, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, seq, session_id, role, content, created_at
		FROM messages
		WHERE session_id=$1
		ORDER BY created_at ASC, seq ASC
	`, sessionID)
}

// RecentMessages returns the newest limit messages of a session, oldest first.
func (s *PostgresStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, seq, session_id, role, content, created_at FROM (
			SELECT id, seq, session_id, role, content, created_at
			FROM messages
			WHERE session_id=$1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, seq ASC
	`, sessionID, limit)
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.Seq, &item.SessionID, &item.Role, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// AppendMessages inserts the messages in order inside one transaction.
func (s *PostgresStore) AppendMessages(ctx context.Context, sessionID string, messages ...Message) error {
	if len(messages) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, message := range messages {
			if err := insertMessage(ctx, tx, sessionID, message.Role, message.Content); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordAnswer stores the user's answer as a message and, when questionKey is
// set, upserts the structured answer for (session, questionKey). Both writes
// commit together.
func (s *PostgresStore) RecordAnswer(ctx context.Context, sessionID, content, questionKey string, value json.RawMessage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertMessage(ctx, tx, sessionID, RoleUser, content); err != nil {
			return err
		}
		if questionKey == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO answers (id, session_id, question_key, value)
			VALUES ($1, $2, $3, $4::jsonb)
			ON CONFLICT (session_id, question_key)
			DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
		`, util.NewID(), sessionID, questionKey, string(value))
		if err != nil {
			return fmt.Errorf("upsert answer %s: %w", questionKey, err)
		}
		return nil
	})
}

func (s *PostgresStore) ListSessionAnswers(ctx context.Context, sessionID string) ([]Answer, error) {
	return s.queryAnswers(ctx, `
		SELECT id, session_id, question_key, value::text, created_at, updated_at
		FROM answers
		WHERE session_id=$1
		ORDER BY created_at ASC
	`, sessionID)
}

func (s *PostgresStore) ListDepartmentAnswers(ctx context.Context, departmentID string) ([]Answer, error) {
	return s.queryAnswers(ctx, `
		SELECT a.id, a.session_id, a.question_key, a.value::text, a.created_at, a.updated_at
		FROM answers a
		JOIN chat_sessions cs ON cs.id = a.session_id
		WHERE cs.department_id=$1
		ORDER BY a.created_at ASC
	`, departmentID)
}

func (s *PostgresStore) queryAnswers(ctx context.Context, query string, args ...any) ([]Answer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	items := make([]Answer, 0)
	for rows.Next() {
		var item Answer
		var value string
		if err := rows.Scan(&item.ID, &item.SessionID, &item.QuestionKey, &value, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		item.Value = json.RawMessage(value)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return items, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, sessionID, role, content string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content)
		VALUES ($1, $2, $3, $4)
	`, util.NewID(), sessionID, role, content)
	if err != nil {
		return fmt.Errorf("insert %s message: %w", role, err)
	}
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
