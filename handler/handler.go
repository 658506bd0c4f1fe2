// Package handler exposes the turn service over API Gateway proxy events.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"story-agent/internal/domain"
	"story-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	retryAfterSeconds = "1"
)

type UseCase interface {
	TakeTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	GetSession(ctx context.Context, sessionID string) (usecase.SessionOutput, error)
}

type Handler struct {
	uc     UseCase
	logger *slog.Logger
}

func NewHandler(uc UseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default()}, nil
}

type turnRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Input     string `json:"input"`
}

type storyResponse struct {
	SessionID           string               `json:"sessionId"`
	Title               string               `json:"title"`
	Genre               string               `json:"genre"`
	Summary             string               `json:"summary"`
	Story               string               `json:"story"`
	Previous            *domain.StoryContent `json:"previous,omitempty"`
	PendingConfirmation bool                 `json:"pendingConfirmation"`
	IsEdit              bool                 `json:"isEdit"`
	DiffMarkup          string               `json:"diffMarkup"`
	Stage               domain.Stage         `json:"stage"`
	Transition          string               `json:"transition,omitempty"`
	Messages            []domain.Message     `json:"messages"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle routes POST /turn and GET /session. Routing errors and use case
// failures are returned as JSON responses, never as Lambda errors.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	path := strings.TrimSuffix(event.Path, "/")
	switch {
	case strings.HasSuffix(path, "/turn"):
		if event.HTTPMethod != http.MethodPost {
			return methodNotAllowed(correlationID, http.MethodPost), nil
		}
		return h.turn(ctx, logger, correlationID, event.Body), nil
	case strings.HasSuffix(path, "/session"):
		if event.HTTPMethod != http.MethodGet {
			return methodNotAllowed(correlationID, http.MethodGet), nil
		}
		return h.session(ctx, logger, correlationID, event.QueryStringParameters["sessionId"]), nil
	default:
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{
			Error:  string(usecase.ErrorNotFound),
			Reason: "unknown_route",
		}), nil
	}
}

func (h *Handler) turn(ctx context.Context, logger *slog.Logger, correlationID, body string) events.APIGatewayProxyResponse {
	var req turnRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		logger.Warn("invalid request body", "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "invalid_body",
		})
	}

	out, err := h.uc.TakeTurn(ctx, usecase.TurnInput{
		SessionID: req.SessionID,
		Message:   req.Message,
		Input:     req.Input,
	})
	if err != nil {
		return h.errorResponse(logger, correlationID, err)
	}

	logger.Info("turn completed",
		"session_id", out.SessionID,
		"transition", string(out.Transition),
		"stage", string(out.Stage),
	)
	resp := newStoryResponse(out.SessionID, out.Stage, out.Revision, out.Appended)
	resp.Transition = string(out.Transition)
	return jsonResponse(http.StatusOK, correlationID, resp)
}

func (h *Handler) session(ctx context.Context, logger *slog.Logger, correlationID, sessionID string) events.APIGatewayProxyResponse {
	out, err := h.uc.GetSession(ctx, sessionID)
	if err != nil {
		return h.errorResponse(logger, correlationID, err)
	}
	return jsonResponse(http.StatusOK, correlationID, newStoryResponse(out.SessionID, out.Stage, out.Revision, out.History))
}

func (h *Handler) errorResponse(logger *slog.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		logger.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, correlationID, errorResponse{
			Error: string(usecase.ErrorInternal),
		})
	}

	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		logger.Error("turn failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		logger.Warn("turn rejected", "code", ucErr.Code, "reason", ucErr.Reason)
	}
	resp := jsonResponse(status, correlationID, errorResponse{
		Error:  string(ucErr.Code),
		Reason: ucErr.Reason,
	})
	if ucErr.Retryable() {
		resp.Headers["Retry-After"] = retryAfterSeconds
	}
	return resp
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidMessage:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newStoryResponse(sessionID string, stage domain.Stage, rev domain.RevisionState, messages []domain.Message) storyResponse {
	resp := storyResponse{
		SessionID:           sessionID,
		Previous:            rev.Previous,
		PendingConfirmation: rev.PendingConfirmation,
		IsEdit:              rev.IsEdit,
		DiffMarkup:          rev.DiffMarkup,
		Stage:               stage,
		Messages:            messages,
	}
	if resp.Messages == nil {
		resp.Messages = []domain.Message{}
	}
	if rev.Current != nil {
		resp.Title = rev.Current.Title
		resp.Genre = rev.Current.Genre
		resp.Summary = rev.Current.Summary
		resp.Story = rev.Current.Story
	}
	return resp
}

func methodNotAllowed(correlationID, allow string) events.APIGatewayProxyResponse {
	resp := jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{
		Error:  string(usecase.ErrorInvalidInput),
		Reason: "method_not_allowed",
	})
	resp.Headers["Allow"] = allow
	return resp
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
