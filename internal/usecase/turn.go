package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"story-agent/internal/domain"
	"story-agent/internal/revision"
)

const (
	defaultMaxContext = 20
	defaultMaxMessage = 2000
	defaultMaxTurns   = 50
)

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type Controller interface {
	Step(ctx context.Context, rev domain.RevisionState, history []domain.Message, in revision.Inbound) revision.Outcome
}

type SessionStore interface {
	LoadSession(ctx context.Context, sessionID string, historyLimit int) (domain.Session, error)
	SaveTurn(ctx context.Context, session domain.Session, appended []domain.Message) error
}

type Recorder interface {
	ObserveTurn(transition string, d time.Duration)
	ObserveError(code string)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type Limits struct {
	MaxContextItems int
	MaxMessageLen   int
	MaxTurns        int
}

type TurnService struct {
	controller Controller
	store      SessionStore
	moderator  Moderator
	recorder   Recorder
	logger     *slog.Logger
	limits     Limits
}

type Option func(*TurnService)

// WithModerator screens generation and edit prompts before they reach the
// controller. Confirmation answers are never moderated.
func WithModerator(m Moderator) Option {
	return func(s *TurnService) {
		s.moderator = m
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *TurnService) {
		s.recorder = r
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *TurnService) {
		if l != nil {
			s.logger = l
		}
	}
}

type TurnInput struct {
	SessionID string
	Message   string
	Input     string
}

type TurnOutput struct {
	SessionID  string
	Stage      domain.Stage
	Transition revision.Transition
	Revision   domain.RevisionState
	Appended   []domain.Message
}

type SessionOutput struct {
	SessionID string
	Stage     domain.Stage
	Revision  domain.RevisionState
	History   []domain.Message
}

func NewTurnService(c Controller, store SessionStore, limits Limits, opts ...Option) (*TurnService, error) {
	if c == nil {
		return nil, errors.New("usecase: controller must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if limits.MaxContextItems <= 0 {
		limits.MaxContextItems = defaultMaxContext
	}
	if limits.MaxMessageLen <= 0 {
		limits.MaxMessageLen = defaultMaxMessage
	}
	if limits.MaxTurns <= 0 {
		limits.MaxTurns = defaultMaxTurns
	}
	s := &TurnService{
		controller: c,
		store:      store,
		logger:     slog.Default(),
		limits:     limits,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TakeTurn loads the session checkpoint, runs one controller transition and
// writes the replacement checkpoint back.
func (s *TurnService) TakeTurn(ctx context.Context, in TurnInput) (out TurnOutput, err error) {
	start := time.Now()
	defer func() {
		var ucErr *Error
		if errors.As(err, &ucErr) && s.recorder != nil {
			s.recorder.ObserveError(string(ucErr.Code))
		}
	}()

	if utf8.RuneCountInString(in.Message) > s.limits.MaxMessageLen || utf8.RuneCountInString(in.Input) > s.limits.MaxMessageLen {
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	sess, err := s.loadOrCreate(ctx, strings.TrimSpace(in.SessionID))
	if err != nil {
		return TurnOutput{}, err
	}
	// The limit caps generation; a pending confirmation can always be answered.
	if sess.Revision.Stage() == domain.StageIdle {
		if sess.Turns >= s.limits.MaxTurns {
			return TurnOutput{}, newError(ErrorInvalidInput, "session_turn_limit", nil)
		}
		prompt := promptFor(sess.Revision, in)
		if strings.TrimSpace(prompt) == "" {
			return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
		}
		if err := s.moderate(ctx, prompt); err != nil {
			return TurnOutput{}, err
		}
	}

	outcome := s.controller.Step(ctx, sess.Revision, sess.History, revision.Inbound{Message: in.Message, Input: in.Input})
	switch outcome.Transition {
	case revision.TransitionIgnored:
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	case revision.TransitionDeclined:
		s.logger.WarnContext(ctx, "generation declined", "session_id", sess.ID, "reason", outcome.Reason)
	}

	next := sess
	next.Revision = outcome.Revision
	next.Turns++
	next.LastActivity = time.Now().UTC()
	if err := s.store.SaveTurn(ctx, next, outcome.Appended); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return TurnOutput{}, newError(ErrorConflict, "checkpoint_conflict", err)
		}
		return TurnOutput{}, newError(ErrorInternal, "checkpoint_write_error", err)
	}

	if s.recorder != nil {
		s.recorder.ObserveTurn(string(outcome.Transition), time.Since(start))
	}

	return TurnOutput{
		SessionID:  sess.ID,
		Stage:      outcome.Revision.Stage(),
		Transition: outcome.Transition,
		Revision:   outcome.Revision,
		Appended:   outcome.Appended,
	}, nil
}

// GetSession returns the stored checkpoint for external rendering.
func (s *TurnService) GetSession(ctx context.Context, sessionID string) (SessionOutput, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionOutput{}, newError(ErrorInvalidInput, "empty_session_id", nil)
	}
	sess, err := s.store.LoadSession(ctx, sessionID, s.limits.MaxContextItems)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return SessionOutput{}, newError(ErrorNotFound, "session_not_found", err)
		}
		return SessionOutput{}, newError(ErrorInternal, "checkpoint_load_error", err)
	}
	return SessionOutput{
		SessionID: sess.ID,
		Stage:     sess.Revision.Stage(),
		Revision:  sess.Revision,
		History:   sess.History,
	}, nil
}

// loadOrCreate treats an unknown session ID as a fresh session under that ID;
// checkpoint stores expire sessions and clients may keep their old IDs.
func (s *TurnService) loadOrCreate(ctx context.Context, sessionID string) (domain.Session, error) {
	if sessionID == "" {
		return domain.Session{ID: newUUID()}, nil
	}
	sess, err := s.store.LoadSession(ctx, sessionID, s.limits.MaxContextItems)
	var expired *domain.SessionExpiredError
	if errors.As(err, &expired) {
		return domain.Session{
			ID:           sessionID,
			Version:      expired.Version,
			MessageCount: expired.MessageCount,
			HistoryStart: expired.MessageCount,
		}, nil
	}
	if errors.Is(err, domain.ErrSessionNotFound) {
		return domain.Session{ID: sessionID}, nil
	}
	if err != nil {
		return domain.Session{}, newError(ErrorInternal, "checkpoint_load_error", err)
	}
	return sess, nil
}

func (s *TurnService) moderate(ctx context.Context, prompt string) error {
	if s.moderator == nil {
		return nil
	}
	flagged, err := s.moderator.Moderate(ctx, prompt)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return newError(ErrorRateLimited, "moderation_rate_limited", err)
		}
		return newError(ErrorUpstream, "moderation_error", err)
	}
	if flagged {
		return newError(ErrorInvalidMessage, "moderation_flagged", nil)
	}
	return nil
}

func promptFor(rev domain.RevisionState, in TurnInput) string {
	if !rev.HasArtifact() && strings.TrimSpace(in.Input) != "" {
		return in.Input
	}
	return in.Message
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
