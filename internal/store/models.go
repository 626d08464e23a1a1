package store

import (
	"encoding/json"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Department struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"-"`
}

type ChatSession struct {
	ID           string     `json:"id"`
	DepartmentID string     `json:"departmentId"`
	UserID       *string    `json:"userId"`
	CreatedAt    time.Time  `json:"createdAt"`
	Department   Department `json:"department"`
}

// Message is append-only; Seq breaks ties between rows created in the same transaction.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Seq       int64     `json:"-"`
}

// Answer holds the raw JSON value submitted for one question of a session.
type Answer struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	QuestionKey string          `json:"questionKey"`
	Value       json.RawMessage `json:"value"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"-"`
}
