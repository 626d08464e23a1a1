package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollbot/api/internal/flow"
	"pollbot/api/internal/store"
)

func TestChatPersistsExchangeAfterReply(t *testing.T) {
	fs := seededStore()
	ff := &fakeFlow{}
	svc := newTestService(fs, ff)
	id := startSession(fs, "hr")
	require.NoError(t, fs.AppendMessages(context.Background(), id, store.Message{Role: store.RoleAssistant, Content: "Bonjour"}))

	reply, err := svc.Chat(context.Background(), ChatInput{SessionID: id, Message: "Salut"})
	require.NoError(t, err)
	assert.Equal(t, "D'accord.", reply)

	require.Len(t, ff.chatCalls, 1)
	sent := ff.chatCalls[0].Messages
	require.Len(t, sent, 3)
	assert.Equal(t, flow.ChatMessage{Role: "system", Content: "Assistant. Département: hr."}, sent[0])
	assert.Equal(t, flow.ChatMessage{Role: store.RoleAssistant, Content: "Bonjour"}, sent[1])
	assert.Equal(t, flow.ChatMessage{Role: store.RoleUser, Content: "Salut"}, sent[2])
	assert.Equal(t, "hr", ff.chatCalls[0].DepartmentKey)

	messages, _ := fs.ListMessages(context.Background(), id)
	require.Len(t, messages, 3)
	assert.Equal(t, "Salut", messages[1].Content)
	assert.Equal(t, store.RoleUser, messages[1].Role)
	assert.Equal(t, "D'accord.", messages[2].Content)
	assert.Equal(t, store.RoleAssistant, messages[2].Role)
}

func TestChatSendsOnlyRecentHistory(t *testing.T) {
	fs := seededStore()
	ff := &fakeFlow{}
	cfg := testConfig()
	cfg.ChatHistoryLimit = 2
	svc := New(cfg, fs, ff, discardLogger(), nil)
	id := startSession(fs, "sales")
	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, fs.AppendMessages(context.Background(), id, store.Message{Role: store.RoleUser, Content: content}))
	}

	_, err := svc.Chat(context.Background(), ChatInput{SessionID: id, Message: "four"})
	require.NoError(t, err)

	sent := ff.chatCalls[0].Messages
	require.Len(t, sent, 4)
	assert.Equal(t, "two", sent[1].Content)
	assert.Equal(t, "three", sent[2].Content)
	assert.Equal(t, "four", sent[3].Content)
}

func TestChatUpstreamFailureStoresNothing(t *testing.T) {
	fs := seededStore()
	ff := &fakeFlow{
		chatFn: func(context.Context, flow.ChatRequest) (string, error) {
			return "", &flow.UpstreamError{Operation: flow.OperationChat, StatusCode: http.StatusBadGateway, Body: `{"detail":"model offline"}`}
		},
	}
	svc := newTestService(fs, ff)
	id := startSession(fs, "hr")

	_, err := svc.Chat(context.Background(), ChatInput{SessionID: id, Message: "Salut"})
	domainErr := requireDomainError(t, err, http.StatusInternalServerError, CodeChatFailed)
	assert.Equal(t, json.RawMessage(`{"detail":"model offline"}`), domainErr.Details)

	messages, _ := fs.ListMessages(context.Background(), id)
	assert.Empty(t, messages)
}

func TestChatFailureDetails(t *testing.T) {
	plain := chatFailure(&flow.UpstreamError{Operation: flow.OperationChat, StatusCode: http.StatusInternalServerError, Body: "boom"})
	assert.Equal(t, "boom", plain.Details)

	transport := chatFailure(errors.New("context deadline exceeded"))
	assert.Equal(t, "context deadline exceeded", transport.Details)
}

func TestChatRequiresSessionAndMessage(t *testing.T) {
	svc := newTestService(seededStore(), &fakeFlow{})

	_, err := svc.Chat(context.Background(), ChatInput{Message: "hi"})
	requireDomainError(t, err, http.StatusBadRequest, CodeBadRequest)

	_, err = svc.Chat(context.Background(), ChatInput{SessionID: "7b0e4a52-8d7e-4f55-a7a3-0d5cf0a1b6f0"})
	requireDomainError(t, err, http.StatusBadRequest, CodeBadRequest)
}

func TestChatUnknownSessionIsNotFound(t *testing.T) {
	ff := &fakeFlow{}
	svc := newTestService(seededStore(), ff)

	_, err := svc.Chat(context.Background(), ChatInput{SessionID: "7b0e4a52-8d7e-4f55-a7a3-0d5cf0a1b6f0", Message: "hi"})
	requireDomainError(t, err, http.StatusNotFound, CodeNotFound)
	assert.Empty(t, ff.chatCalls)
}

func TestSystemPromptFallsBackForMissingDepartment(t *testing.T) {
	svc := newTestService(seededStore(), &fakeFlow{})
	assert.Equal(t, "Assistant. Département: n/a.", svc.systemPrompt(""))

	bare := New(testConfig(), seededStore(), &fakeFlow{}, discardLogger(), nil)
	bare.cfg.ChatSystemPrompt = ""
	assert.Contains(t, bare.systemPrompt("finance"), "Département: finance.")
}
