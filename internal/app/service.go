package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"pollbot/api/internal/config"
	"pollbot/api/internal/flow"
	"pollbot/api/internal/observability"
	"pollbot/api/internal/store"
	"pollbot/api/internal/util"
)

type dataStore interface {
	Ping(context.Context) error
	UpsertDepartment(context.Context, string, string) (store.Department, error)
	ListDepartments(context.Context) ([]store.Department, error)
	GetDepartmentByKey(context.Context, string) (store.Department, error)
	CreateSession(context.Context, store.ChatSession) (store.ChatSession, error)
	GetSession(context.Context, string) (store.ChatSession, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	RecentMessages(context.Context, string, int) ([]store.Message, error)
	AppendMessages(context.Context, string, ...store.Message) error
	RecordAnswer(context.Context, string, string, string, json.RawMessage) error
	ListSessionAnswers(context.Context, string) ([]store.Answer, error)
	ListDepartmentAnswers(context.Context, string) ([]store.Answer, error)
}

type questionFlow interface {
	Question(context.Context, string) (flow.Question, error)
	NextQuestion(context.Context, flow.NextQuestionRequest) (flow.NextQuestion, error)
	Chat(context.Context, flow.ChatRequest) (string, error)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	flow    questionFlow
	logger  *slog.Logger
	metrics *observability.Metrics
}

func New(cfg config.Config, dataStore dataStore, flowClient questionFlow, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		flow:    flowClient,
		logger:  logger,
		metrics: metrics,
	}
}

// Bootstrap upserts the default department directory when seeding is enabled.
func (s *Service) Bootstrap(ctx context.Context) error {
	if !s.cfg.SeedDepartments {
		return nil
	}
	if err := store.SeedDepartments(ctx, s.store, store.DefaultDepartments); err != nil {
		return err
	}
	s.logger.Info("departments seeded", "count", len(store.DefaultDepartments))
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type StartSessionInput struct {
	DepartmentKey string  `json:"departmentKey" validate:"required"`
	UserID        *string `json:"userId"`
}

// SessionView is a session with its department and full message history.
type SessionView struct {
	store.ChatSession
	Messages []store.Message `json:"messages"`
}

type SubmitAnswerInput struct {
	Answer  json.RawMessage `json:"answer"`
	NodeKey string          `json:"nodeKey"`
}

type AnswerResult struct {
	NextQuestion flow.Question `json:"nextQuestion"`
	Done         bool          `json:"done"`
}

type SessionAnswers struct {
	SessionID string         `json:"sessionId"`
	Count     int            `json:"count"`
	Answers   []store.Answer `json:"answers"`
}

func (s *Service) StartSession(ctx context.Context, input StartSessionInput) (string, error) {
	key := strings.TrimSpace(input.DepartmentKey)
	if key == "" {
		return "", domainError(http.StatusBadRequest, CodeInvalidDepartment, "Invalid department", nil)
	}
	dep, err := s.store.GetDepartmentByKey(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domainError(http.StatusBadRequest, CodeInvalidDepartment, "Invalid department", map[string]any{"departmentKey": key})
	}
	if err != nil {
		return "", internalError(CodeFailedToStartSession, "Failed to start session", err)
	}

	session := store.ChatSession{
		ID:           util.NewID(),
		DepartmentID: dep.ID,
	}
	if input.UserID != nil && strings.TrimSpace(*input.UserID) != "" {
		userID := strings.TrimSpace(*input.UserID)
		session.UserID = &userID
	}
	created, err := s.store.CreateSession(ctx, session)
	if err != nil {
		return "", internalError(CodeFailedToStartSession, "Failed to start session", err)
	}
	s.logger.Info("session started", "session_id", created.ID, "department", dep.Key)
	return created.ID, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (SessionView, error) {
	session, err := s.loadSession(ctx, sessionID, CodeFailedToGetSession)
	if err != nil {
		return SessionView{}, err
	}
	messages, err := s.store.ListMessages(ctx, session.ID)
	if err != nil {
		return SessionView{}, internalError(CodeFailedToGetSession, "Failed to get session", err)
	}
	if messages == nil {
		messages = []store.Message{}
	}
	return SessionView{ChatSession: session, Messages: messages}, nil
}

// SubmitAnswer validates and stores an answer, then asks the flow service for
// the next question. Without an answer it only fetches the next question.
func (s *Service) SubmitAnswer(ctx context.Context, sessionID string, input SubmitAnswerInput) (AnswerResult, error) {
	session, err := s.loadSession(ctx, sessionID, CodeFailedToProcessAnswer)
	if err != nil {
		return AnswerResult{}, err
	}

	nodeKey := strings.TrimSpace(input.NodeKey)
	hasAnswer := answerPresent(input.Answer)

	if hasAnswer && nodeKey != "" {
		if question, ok := s.lookupQuestion(ctx, nodeKey); ok {
			if err := validateAnswer(question, nodeKey, input.Answer); err != nil {
				var domainErr *DomainError
				if errors.As(err, &domainErr) {
					s.metrics.ValidationRejected(domainErr.Code)
				}
				return AnswerResult{}, err
			}
		}
	}

	var answer json.RawMessage
	if hasAnswer {
		answer = input.Answer
		if err := s.store.RecordAnswer(ctx, session.ID, answerText(answer), nodeKey, answer); err != nil {
			return AnswerResult{}, internalError(CodeFailedToProcessAnswer, "Failed to process answer", err)
		}
		if nodeKey != "" {
			s.metrics.AnswerRecorded()
		}
	}

	next, err := s.flow.NextQuestion(ctx, flow.NextQuestionRequest{
		SessionID:     session.ID,
		DepartmentKey: session.Department.Key,
		NodeKey:       nodeKey,
		Answer:        answer,
	})
	if err != nil {
		return AnswerResult{}, internalError(CodeFailedToProcessAnswer, "Failed to process answer", err)
	}

	if next.QuestionText != "" {
		assistant := store.Message{Role: store.RoleAssistant, Content: next.QuestionText}
		if err := s.store.AppendMessages(ctx, session.ID, assistant); err != nil {
			return AnswerResult{}, internalError(CodeFailedToProcessAnswer, "Failed to process answer", err)
		}
	}

	return AnswerResult{NextQuestion: next.Question, Done: next.Done}, nil
}

func (s *Service) SessionAnswers(ctx context.Context, sessionID string) (SessionAnswers, error) {
	session, err := s.loadSession(ctx, sessionID, CodeFailedToGetAnswers)
	if err != nil {
		return SessionAnswers{}, err
	}
	answers, err := s.store.ListSessionAnswers(ctx, session.ID)
	if err != nil {
		return SessionAnswers{}, internalError(CodeFailedToGetAnswers, "Failed to get session answers", err)
	}
	if answers == nil {
		answers = []store.Answer{}
	}
	return SessionAnswers{SessionID: session.ID, Count: len(answers), Answers: answers}, nil
}

// loadSession maps unknown or malformed ids to not_found and any other
// failure to failureCode.
func (s *Service) loadSession(ctx context.Context, sessionID, failureCode string) (store.ChatSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if !util.IsID(sessionID) {
		return store.ChatSession{}, sessionNotFound()
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ChatSession{}, sessionNotFound()
	}
	if err != nil {
		return store.ChatSession{}, internalError(failureCode, "Failed to load session", err)
	}
	return session, nil
}

// lookupQuestion fetches question metadata. Failures are logged and reported
// as absent so that answers are accepted unvalidated.
func (s *Service) lookupQuestion(ctx context.Context, nodeKey string) (flow.Question, bool) {
	question, err := s.flow.Question(ctx, nodeKey)
	if errors.Is(err, flow.ErrQuestionNotFound) {
		s.logger.WarnContext(ctx, "question metadata not found", "node_key", nodeKey)
		return flow.Question{}, false
	}
	if err != nil {
		s.logger.WarnContext(ctx, "question metadata fetch failed", "node_key", nodeKey, "error", err)
		return flow.Question{}, false
	}
	return question, true
}

func answerPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// answerText is the message content for an answer: strings verbatim,
// anything else re-encoded so numbers take their shortest form (1.50 is
// "1.5", 1e2 is "100"). Object keys come out sorted.
func answerText(raw json.RawMessage) string {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return string(bytes.TrimSpace(raw))
	}
	if text, ok := value.(string); ok {
		return text
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return string(bytes.TrimSpace(raw))
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
