package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"pollbot/api/internal/flow"
	"pollbot/api/internal/store"
)

const systemRole = "system"

type ChatInput struct {
	SessionID string `json:"sessionId" validate:"required"`
	Message   string `json:"message" validate:"required"`
}

// Chat forwards a free-text message with the recent history of the session
// and stores the exchange once the assistant has replied.
func (s *Service) Chat(ctx context.Context, input ChatInput) (string, error) {
	if strings.TrimSpace(input.SessionID) == "" || input.Message == "" {
		return "", domainError(http.StatusBadRequest, CodeBadRequest, "sessionId and message are required", nil)
	}
	session, err := s.loadSession(ctx, input.SessionID, CodeChatFailed)
	if err != nil {
		return "", err
	}

	history, err := s.store.RecentMessages(ctx, session.ID, s.historyLimit())
	if err != nil {
		return "", internalError(CodeChatFailed, "Chat failed", err)
	}

	messages := make([]flow.ChatMessage, 0, len(history)+2)
	messages = append(messages, flow.ChatMessage{Role: systemRole, Content: s.systemPrompt(session.Department.Key)})
	for _, m := range history {
		messages = append(messages, flow.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, flow.ChatMessage{Role: store.RoleUser, Content: input.Message})

	reply, err := s.flow.Chat(ctx, flow.ChatRequest{
		SessionID:     session.ID,
		DepartmentKey: session.Department.Key,
		Messages:      messages,
	})
	if err != nil {
		return "", chatFailure(err)
	}

	err = s.store.AppendMessages(ctx, session.ID,
		store.Message{Role: store.RoleUser, Content: input.Message},
		store.Message{Role: store.RoleAssistant, Content: reply},
	)
	if err != nil {
		return "", internalError(CodeChatFailed, "Chat failed", err)
	}
	return reply, nil
}

func (s *Service) historyLimit() int {
	if s.cfg.ChatHistoryLimit > 0 {
		return s.cfg.ChatHistoryLimit
	}
	return 20
}

func (s *Service) systemPrompt(departmentKey string) string {
	if departmentKey == "" {
		departmentKey = "n/a"
	}
	prompt := s.cfg.ChatSystemPrompt
	if prompt == "" {
		prompt = "Tu es un assistant bref et empathique. Langue: Français. Département: %s."
	}
	return strings.ReplaceAll(prompt, "%s", departmentKey)
}

// chatFailure surfaces whatever the upstream said about the failure.
func chatFailure(err error) *DomainError {
	failure := internalError(CodeChatFailed, "Chat failed", err)
	var upstream *flow.UpstreamError
	switch {
	case errors.As(err, &upstream) && upstream.Body != "" && json.Valid([]byte(upstream.Body)):
		failure.Details = json.RawMessage(upstream.Body)
	case errors.As(err, &upstream) && upstream.Body != "":
		failure.Details = upstream.Body
	default:
		failure.Details = err.Error()
	}
	return failure
}
