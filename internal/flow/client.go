// Package flow is the HTTP client for the external question-flow service.
//
// The service owns the question graph: it serves per-node question metadata,
// decides which node follows a given answer, and relays chat completions.
// Every call is a single attempt; failures are returned to the caller as-is.
package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pollbot/api/internal/observability"
)

const (
	OperationQuestion     = "question"
	OperationNextQuestion = "next_question"
	OperationChat         = "chat"
)

// maxDiagnosticBody caps how much of an upstream error body is kept.
const maxDiagnosticBody = 4 << 10

var ErrQuestionNotFound = errors.New("question not found")

// UpstreamError is returned for any non-2xx response from the service.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("flow %s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("flow %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Question describes one node of the flow graph.
type Question struct {
	NodeKey      string          `json:"nodeKey,omitempty"`
	QuestionText string          `json:"questionText,omitempty"`
	Type         string          `json:"type,omitempty"`
	Validations  json.RawMessage `json:"validations,omitempty"`
}

// Bound returns a numeric validation such as "min" or "max". Bounds that are
// absent or not JSON numbers report false.
func (q Question) Bound(name string) (float64, bool) {
	if len(q.Validations) == 0 {
		return 0, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(q.Validations, &fields); err != nil {
		return 0, false
	}
	raw, ok := fields[name]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return 0, false
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, false
	}
	return value, true
}

// questionPayload also matches the question-metadata document, which keys
// the node as "key" and may carry an "error" sentinel.
type questionPayload struct {
	Key          string          `json:"key"`
	NodeKey      string          `json:"nodeKey"`
	QuestionText string          `json:"questionText"`
	Type         string          `json:"type"`
	Validations  json.RawMessage `json:"validations"`
	Error        string          `json:"error"`
}

type NextQuestionRequest struct {
	SessionID     string          `json:"sessionId"`
	DepartmentKey string          `json:"departmentKey"`
	NodeKey       string          `json:"nodeKey,omitempty"`
	Answer        json.RawMessage `json:"answer,omitempty"`
}

type NextQuestion struct {
	Question
	Done bool `json:"done"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	SessionID     string        `json:"sessionId"`
	DepartmentKey string        `json:"departmentKey"`
	Messages      []ChatMessage `json:"messages"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

// NewClient builds a client for baseURL. A zero timeout leaves requests
// bounded only by the caller's context.
func NewClient(baseURL string, timeout time.Duration, metrics *observability.Metrics) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		metrics:    metrics,
		tracer:     otel.Tracer("pollbot/api/internal/flow"),
	}
}

// Question fetches metadata for nodeKey. ErrQuestionNotFound is returned
// when the service answers with its not_found sentinel or an empty body.
func (c *Client) Question(ctx context.Context, nodeKey string) (Question, error) {
	var payload questionPayload
	err := c.do(ctx, OperationQuestion, http.MethodGet, "/question/"+url.PathEscape(nodeKey), nil, &payload,
		attribute.String("flow.node_key", nodeKey))
	if err != nil {
		return Question{}, err
	}
	return payload.question()
}

// NextQuestion asks which question follows the given answer. With no nodeKey
// the service returns the first question of the flow.
func (c *Client) NextQuestion(ctx context.Context, req NextQuestionRequest) (NextQuestion, error) {
	var payload struct {
		questionPayload
		Done bool `json:"done"`
	}
	err := c.do(ctx, OperationNextQuestion, http.MethodPost, "/next-question", req, &payload,
		attribute.String("flow.node_key", req.NodeKey),
		attribute.String("flow.department", req.DepartmentKey))
	if err != nil {
		return NextQuestion{}, err
	}
	return NextQuestion{
		Question: Question{
			NodeKey:      firstNonEmpty(payload.NodeKey, payload.Key),
			QuestionText: payload.QuestionText,
			Type:         payload.Type,
			Validations:  payload.Validations,
		},
		Done: payload.Done,
	}, nil
}

// Chat forwards the conversation and returns the assistant reply, which is
// empty when the service omits it.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	var payload chatResponse
	err := c.do(ctx, OperationChat, http.MethodPost, "/chat", req, &payload,
		attribute.String("flow.department", req.DepartmentKey),
		attribute.Int("flow.messages", len(req.Messages)))
	if err != nil {
		return "", err
	}
	return payload.Reply, nil
}

func (p questionPayload) question() (Question, error) {
	if p.Error == "not_found" {
		return Question{}, ErrQuestionNotFound
	}
	if p.Error != "" {
		return Question{}, fmt.Errorf("flow question: %s", p.Error)
	}
	key := firstNonEmpty(p.NodeKey, p.Key)
	if key == "" && p.Type == "" && p.QuestionText == "" {
		return Question{}, ErrQuestionNotFound
	}
	return Question{
		NodeKey:      key,
		QuestionText: p.QuestionText,
		Type:         p.Type,
		Validations:  p.Validations,
	}, nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, body, out any, attrs ...attribute.KeyValue) (err error) {
	ctx, span := c.tracer.Start(ctx, "flow."+operation, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	started := time.Now()
	defer func() {
		outcome := observability.OutcomeSuccess
		switch {
		case errors.Is(err, ErrQuestionNotFound):
			outcome = observability.OutcomeNotFound
		case err != nil:
			outcome = observability.OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.metrics.ObserveUpstream(operation, outcome, time.Since(started))
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", operation, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("flow %s: %w", operation, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		diagnostic, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBody))
		return &UpstreamError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(diagnostic)),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", operation, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if operation == OperationQuestion {
			return ErrQuestionNotFound
		}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
