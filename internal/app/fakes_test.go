package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pollbot/api/internal/config"
	"pollbot/api/internal/flow"
	"pollbot/api/internal/store"
	"pollbot/api/internal/util"
)

// fakeStore keeps records in memory. The *Fn fields override single
// operations, mostly to inject failures.
type fakeStore struct {
	mu          sync.Mutex
	departments map[string]store.Department
	sessions    map[string]store.ChatSession
	messages    []store.Message
	answers     []store.Answer
	clock       time.Time

	pingFn          func(context.Context) error
	recordAnswerFn  func(context.Context, string, string, string, json.RawMessage) error
	appendMessageFn func(context.Context, string, ...store.Message) error
	getSessionFn    func(context.Context, string) (store.ChatSession, error)
	listDeptsFn     func(context.Context) ([]store.Department, error)
}

func newFakeStore(departments ...store.Department) *fakeStore {
	f := &fakeStore{
		departments: map[string]store.Department{},
		sessions:    map[string]store.ChatSession{},
		clock:       time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	for _, dep := range departments {
		if dep.ID == "" {
			dep.ID = util.NewID()
		}
		f.departments[dep.Key] = dep
	}
	return f
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) UpsertDepartment(_ context.Context, key, name string) (store.Department, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dep, ok := f.departments[key]
	if !ok {
		dep = store.Department{ID: util.NewID(), Key: key, CreatedAt: f.tick()}
	}
	dep.Name = name
	f.departments[key] = dep
	return dep, nil
}

func (f *fakeStore) ListDepartments(ctx context.Context) ([]store.Department, error) {
	if f.listDeptsFn != nil {
		return f.listDeptsFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Department, 0, len(f.departments))
	for _, dep := range f.departments {
		items = append(items, dep)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (f *fakeStore) GetDepartmentByKey(_ context.Context, key string) (store.Department, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dep, ok := f.departments[key]
	if !ok {
		return store.Department{}, sql.ErrNoRows
	}
	return dep, nil
}

func (f *fakeStore) CreateSession(_ context.Context, session store.ChatSession) (store.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session.CreatedAt = f.tick()
	for _, dep := range f.departments {
		if dep.ID == session.DepartmentID {
			session.Department = dep
		}
	}
	f.sessions[session.ID] = session
	return session, nil
}

func (f *fakeStore) GetSession(ctx context.Context, sessionID string) (store.ChatSession, error) {
	if f.getSessionFn != nil {
		return f.getSessionFn(ctx, sessionID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return store.ChatSession{}, sql.ErrNoRows
	}
	return session, nil
}

func (f *fakeStore) ListMessages(_ context.Context, sessionID string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messagesFor(sessionID), nil
}

func (f *fakeStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.messagesFor(sessionID)
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

func (f *fakeStore) messagesFor(sessionID string) []store.Message {
	items := make([]store.Message, 0)
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			items = append(items, m)
		}
	}
	return items
}

func (f *fakeStore) AppendMessages(ctx context.Context, sessionID string, messages ...store.Message) error {
	if f.appendMessageFn != nil {
		return f.appendMessageFn(ctx, sessionID, messages...)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range messages {
		f.appendLocked(sessionID, m.Role, m.Content)
	}
	return nil
}

func (f *fakeStore) appendLocked(sessionID, role, content string) {
	f.messages = append(f.messages, store.Message{
		ID:        util.NewID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: f.tick(),
		Seq:       int64(len(f.messages) + 1),
	})
}

func (f *fakeStore) RecordAnswer(ctx context.Context, sessionID, content, questionKey string, value json.RawMessage) error {
	if f.recordAnswerFn != nil {
		return f.recordAnswerFn(ctx, sessionID, content, questionKey, value)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendLocked(sessionID, store.RoleUser, content)
	if questionKey == "" {
		return nil
	}
	now := f.tick()
	for i := range f.answers {
		if f.answers[i].SessionID == sessionID && f.answers[i].QuestionKey == questionKey {
			f.answers[i].Value = value
			f.answers[i].UpdatedAt = now
			return nil
		}
	}
	f.answers = append(f.answers, store.Answer{
		ID:          util.NewID(),
		SessionID:   sessionID,
		QuestionKey: questionKey,
		Value:       value,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	return nil
}

func (f *fakeStore) ListSessionAnswers(_ context.Context, sessionID string) ([]store.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Answer, 0)
	for _, a := range f.answers {
		if a.SessionID == sessionID {
			items = append(items, a)
		}
	}
	return items, nil
}

func (f *fakeStore) ListDepartmentAnswers(_ context.Context, departmentID string) ([]store.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Answer, 0)
	for _, a := range f.answers {
		if f.sessions[a.SessionID].DepartmentID == departmentID {
			items = append(items, a)
		}
	}
	return items, nil
}

func (f *fakeStore) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type fakeFlow struct {
	questionFn     func(context.Context, string) (flow.Question, error)
	nextQuestionFn func(context.Context, flow.NextQuestionRequest) (flow.NextQuestion, error)
	chatFn         func(context.Context, flow.ChatRequest) (string, error)

	questionCalls []string
	nextCalls     []flow.NextQuestionRequest
	chatCalls     []flow.ChatRequest
}

func (f *fakeFlow) Question(ctx context.Context, nodeKey string) (flow.Question, error) {
	f.questionCalls = append(f.questionCalls, nodeKey)
	if f.questionFn != nil {
		return f.questionFn(ctx, nodeKey)
	}
	return flow.Question{}, flow.ErrQuestionNotFound
}

func (f *fakeFlow) NextQuestion(ctx context.Context, req flow.NextQuestionRequest) (flow.NextQuestion, error) {
	f.nextCalls = append(f.nextCalls, req)
	if f.nextQuestionFn != nil {
		return f.nextQuestionFn(ctx, req)
	}
	return flow.NextQuestion{Question: flow.Question{NodeKey: "q1", QuestionText: "Quel est votre rôle ?", Type: "text"}}, nil
}

func (f *fakeFlow) Chat(ctx context.Context, req flow.ChatRequest) (string, error) {
	f.chatCalls = append(f.chatCalls, req)
	if f.chatFn != nil {
		return f.chatFn(ctx, req)
	}
	return "D'accord.", nil
}

func numberQuestion(validations string) func(context.Context, string) (flow.Question, error) {
	return func(_ context.Context, nodeKey string) (flow.Question, error) {
		return flow.Question{NodeKey: nodeKey, Type: "number", Validations: json.RawMessage(validations)}, nil
	}
}

func testConfig() config.Config {
	return config.Config{
		ChatHistoryLimit: 20,
		ChatSystemPrompt: "Assistant. Département: %s.",
		SeedDepartments:  true,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(fs *fakeStore, ff *fakeFlow) *Service {
	return New(testConfig(), fs, ff, discardLogger(), nil)
}

func seededStore() *fakeStore {
	return newFakeStore(
		store.Department{Key: "hr", Name: "Human Resources"},
		store.Department{Key: "sales", Name: "Sales"},
	)
}

// startSession creates a session in fs and returns its id.
func startSession(fs *fakeStore, departmentKey string) string {
	id := util.NewID()
	dep := fs.departments[departmentKey]
	_, _ = fs.CreateSession(context.Background(), store.ChatSession{ID: id, DepartmentID: dep.ID})
	return id
}
