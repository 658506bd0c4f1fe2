package usecase

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"story-agent/internal/domain"
	"story-agent/internal/revision"
)

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return "status error" }
func (e *statusErr) HTTPStatusCode() int { return e.code }

type mockGenerator struct {
	results   []revision.Result
	callCount int
	lastConv  []domain.Message
}

func (m *mockGenerator) Generate(_ context.Context, _ string, conversation []domain.Message) revision.Result {
	m.lastConv = conversation
	if len(m.results) == 0 {
		return revision.Declined(domain.Message{Role: domain.RoleAssistant, Content: "nothing"}, errors.New("no result configured"))
	}
	idx := m.callCount
	if idx >= len(m.results) {
		idx = len(m.results) - 1
	}
	m.callCount++
	return m.results[idx]
}

type mockModerator struct {
	flagged bool
	err     error
	inputs  []string
}

func (m *mockModerator) Moderate(_ context.Context, input string) (bool, error) {
	m.inputs = append(m.inputs, input)
	return m.flagged, m.err
}

type mockStore struct {
	sessions     map[string]domain.Session
	loadErr      error
	saveErr      error
	loadLimit    int
	saveInvoked  bool
	lastAppended []domain.Message
}

func newMockStore() *mockStore {
	return &mockStore{sessions: map[string]domain.Session{}}
}

func (m *mockStore) LoadSession(_ context.Context, sessionID string, limit int) (domain.Session, error) {
	m.loadLimit = limit
	if m.loadErr != nil {
		return domain.Session{}, m.loadErr
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (m *mockStore) SaveTurn(_ context.Context, sess domain.Session, appended []domain.Message) error {
	m.saveInvoked = true
	m.lastAppended = appended
	if m.saveErr != nil {
		return m.saveErr
	}
	sess.History = append(sess.History, appended...)
	sess.MessageCount += len(appended)
	sess.Version++
	m.sessions[sess.ID] = sess
	return nil
}

type mockRecorder struct {
	turns  []string
	errors []string
}

func (m *mockRecorder) ObserveTurn(transition string, _ time.Duration) {
	m.turns = append(m.turns, transition)
}

func (m *mockRecorder) ObserveError(code string) {
	m.errors = append(m.errors, code)
}

func story(body string) domain.StoryContent {
	return domain.StoryContent{Title: "Harbor", Genre: "Drama", Summary: "A quiet harbor.", Story: body}
}

func producedResult(c domain.StoryContent) revision.Result {
	return revision.Produced(c, domain.Message{Role: domain.RoleAssistant, ToolCallID: "call-1", ToolName: revision.ToolName})
}

func newTestTurnService(t *testing.T, gen revision.Generator, store SessionStore, opts ...Option) *TurnService {
	t.Helper()
	ctrl, err := revision.NewController(gen)
	require.NoError(t, err)
	svc, err := NewTurnService(ctrl, store, Limits{MaxContextItems: 20, MaxMessageLen: 100, MaxTurns: 5}, opts...)
	require.NoError(t, err)
	return svc
}

func expectTurnError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func TestNewTurnService_ValidatesDependencies(t *testing.T) {
	ctrl, err := revision.NewController(&mockGenerator{})
	require.NoError(t, err)

	_, err = NewTurnService(nil, newMockStore(), Limits{})
	require.Error(t, err)

	_, err = NewTurnService(ctrl, nil, Limits{})
	require.Error(t, err)

	svc, err := NewTurnService(ctrl, newMockStore(), Limits{})
	require.NoError(t, err)
	require.Equal(t, Limits{MaxContextItems: defaultMaxContext, MaxMessageLen: defaultMaxMessage, MaxTurns: defaultMaxTurns}, svc.limits)
}

func TestTakeTurn_GenerateThenAccept(t *testing.T) {
	store := newMockStore()
	rec := &mockRecorder{}
	gen := &mockGenerator{results: []revision.Result{producedResult(story("The boats came home."))}}
	svc := newTestTurnService(t, gen, store, WithRecorder(rec))

	out, err := svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: "Write a harbor story"})
	require.NoError(t, err)
	require.Equal(t, "s-1", out.SessionID)
	require.Equal(t, revision.TransitionGenerated, out.Transition)
	require.Equal(t, domain.StageAwaitingConfirmation, out.Stage)
	require.Len(t, out.Appended, 4)
	require.Equal(t, 20, store.loadLimit)

	out, err = svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: "Accept"})
	require.NoError(t, err)
	require.Equal(t, revision.TransitionAccepted, out.Transition)
	require.Equal(t, domain.StageIdle, out.Stage)
	require.Equal(t, out.Revision.Current, out.Revision.Previous)

	saved := store.sessions["s-1"]
	require.Equal(t, 2, saved.Turns)
	require.Equal(t, int64(2), saved.Version)
	require.Len(t, saved.History, 6)
	require.Equal(t, []string{"generated", "accepted"}, rec.turns)
	require.Empty(t, rec.errors)
}

func TestTakeTurn_EditThenCancelReverts(t *testing.T) {
	store := newMockStore()
	original := story("The boats came home.")
	updated := story("The boats never came home.")
	gen := &mockGenerator{results: []revision.Result{producedResult(original), producedResult(updated)}}
	svc := newTestTurnService(t, gen, store)
	ctx := context.Background()

	_, err := svc.TakeTurn(ctx, TurnInput{SessionID: "s-1", Message: "Write a harbor story"})
	require.NoError(t, err)
	_, err = svc.TakeTurn(ctx, TurnInput{SessionID: "s-1", Message: "OK"})
	require.NoError(t, err)

	out, err := svc.TakeTurn(ctx, TurnInput{SessionID: "s-1", Message: "Make it sad"})
	require.NoError(t, err)
	require.Equal(t, revision.TransitionEdited, out.Transition)
	require.NotEmpty(t, out.Revision.DiffMarkup)

	out, err = svc.TakeTurn(ctx, TurnInput{SessionID: "s-1", Message: revision.CancelAnswer})
	require.NoError(t, err)
	require.Equal(t, revision.TransitionReverted, out.Transition)
	require.Equal(t, original, *out.Revision.Current)
	require.Empty(t, out.Revision.DiffMarkup)
}

func TestTakeTurn_MissingSessionID_GeneratesID(t *testing.T) {
	prev := newUUID
	newUUID = func() string { return "generated-id" }
	t.Cleanup(func() { newUUID = prev })

	store := newMockStore()
	svc := newTestTurnService(t, &mockGenerator{results: []revision.Result{producedResult(story("x"))}}, store)

	out, err := svc.TakeTurn(context.Background(), TurnInput{Message: "Write"})
	require.NoError(t, err)
	require.Equal(t, "generated-id", out.SessionID)
	require.Contains(t, store.sessions, "generated-id")
}

func TestTakeTurn_PrefersExplicitInputWhenIdle(t *testing.T) {
	mod := &mockModerator{}
	gen := &mockGenerator{results: []revision.Result{producedResult(story("x"))}}
	svc := newTestTurnService(t, gen, newMockStore(), WithModerator(mod))

	_, err := svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: "hello", Input: "a story about whales"})
	require.NoError(t, err)
	require.Equal(t, []string{"a story about whales"}, mod.inputs)
}

func TestTakeTurn_ValidationErrors(t *testing.T) {
	rec := &mockRecorder{}
	gen := &mockGenerator{}
	store := newMockStore()
	svc := newTestTurnService(t, gen, store, WithRecorder(rec))

	_, err := svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: "  "})
	expectTurnError(t, err, ErrorInvalidInput, "empty_message")

	_, err = svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: strings.Repeat("a", 101)})
	expectTurnError(t, err, ErrorInvalidInput, "message_too_long")

	require.Zero(t, gen.callCount)
	require.False(t, store.saveInvoked)
	require.Equal(t, []string{"INVALID_INPUT", "INVALID_INPUT"}, rec.errors)
}

func TestTakeTurn_EmptyAnswerWhileAwaitingConfirmationAccepts(t *testing.T) {
	store := newMockStore()
	c := story("The boats came home.")
	store.sessions["s-1"] = domain.Session{
		ID:       "s-1",
		Revision: domain.RevisionState{Current: &c, Previous: &c, PendingConfirmation: true},
	}
	svc := newTestTurnService(t, &mockGenerator{}, store)

	out, err := svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1"})
	require.NoError(t, err)
	require.Equal(t, revision.TransitionAccepted, out.Transition)
}

func TestTakeTurn_ConfirmationAnswersAreNotModerated(t *testing.T) {
	store := newMockStore()
	c := story("The boats came home.")
	store.sessions["s-1"] = domain.Session{
		ID:       "s-1",
		Revision: domain.RevisionState{Current: &c, Previous: &c, PendingConfirmation: true},
	}
	mod := &mockModerator{flagged: true}
	svc := newTestTurnService(t, &mockGenerator{}, store, WithModerator(mod))

	_, err := svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: "yes"})
	require.NoError(t, err)
	require.Empty(t, mod.inputs)
}

func TestTakeTurn_ModerationErrors(t *testing.T) {
	gen := &mockGenerator{}
	svc := newTestTurnService(t, gen, newMockStore(), WithModerator(&mockModerator{flagged: true}))
	_, err := svc.TakeTurn(context.Background(), TurnInput{Message: "unsafe"})
	expectTurnError(t, err, ErrorInvalidMessage, "moderation_flagged")

	svc = newTestTurnService(t, gen, newMockStore(), WithModerator(&mockModerator{err: &statusErr{code: 500}}))
	_, err = svc.TakeTurn(context.Background(), TurnInput{Message: "Write"})
	expectTurnError(t, err, ErrorUpstream, "moderation_error")

	svc = newTestTurnService(t, gen, newMockStore(), WithModerator(&mockModerator{err: &statusErr{code: 429}}))
	_, err = svc.TakeTurn(context.Background(), TurnInput{Message: "Write"})
	expectTurnError(t, err, ErrorRateLimited, "moderation_rate_limited")

	require.Zero(t, gen.callCount)
}

func TestTakeTurn_DeclinedIsPersistedAndLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	store := newMockStore()
	gen := &mockGenerator{results: []revision.Result{
		revision.Declined(domain.Message{Role: domain.RoleAssistant, Content: "I can't write that."}, errors.New("no tool call")),
	}}
	svc := newTestTurnService(t, gen, store, WithLogger(logger))

	out, err := svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: "Write"})
	require.NoError(t, err)
	require.Equal(t, revision.TransitionDeclined, out.Transition)
	require.Equal(t, domain.StageIdle, out.Stage)
	require.False(t, out.Revision.HasArtifact())
	require.Len(t, store.sessions["s-1"].History, 2)
	require.Contains(t, buf.String(), "generation declined")
	require.Contains(t, buf.String(), "no tool call")
}

func TestTakeTurn_TurnLimit(t *testing.T) {
	store := newMockStore()
	store.sessions["s-1"] = domain.Session{ID: "s-1", Turns: 5}
	gen := &mockGenerator{}
	svc := newTestTurnService(t, gen, store)

	_, err := svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: "Write"})
	expectTurnError(t, err, ErrorInvalidInput, "session_turn_limit")
	require.Zero(t, gen.callCount)
	require.False(t, store.saveInvoked)
}

func TestTakeTurn_TurnLimitStillResolvesPendingConfirmation(t *testing.T) {
	store := newMockStore()
	gen := &mockGenerator{results: []revision.Result{
		producedResult(story("a b")),
		producedResult(story("a c")),
		producedResult(story("a d")),
	}}
	svc := newTestTurnService(t, gen, store)
	ctx := context.Background()

	for _, msg := range []string{"Write", "Yes", "Change b", "Yes", "Change c"} {
		_, err := svc.TakeTurn(ctx, TurnInput{SessionID: "s-1", Message: msg})
		require.NoError(t, err, msg)
	}
	require.Equal(t, 5, store.sessions["s-1"].Turns)
	require.True(t, store.sessions["s-1"].Revision.PendingConfirmation)

	out, err := svc.TakeTurn(ctx, TurnInput{SessionID: "s-1", Message: revision.CancelAnswer})
	require.NoError(t, err)
	require.Equal(t, revision.TransitionReverted, out.Transition)

	saved := store.sessions["s-1"]
	require.False(t, saved.Revision.PendingConfirmation)
	require.False(t, saved.Revision.IsEdit)
	require.Empty(t, saved.Revision.DiffMarkup)
	require.Equal(t, "a c", saved.Revision.Current.Story)

	_, err = svc.TakeTurn(ctx, TurnInput{SessionID: "s-1", Message: "Change again"})
	expectTurnError(t, err, ErrorInvalidInput, "session_turn_limit")
	require.Equal(t, 3, gen.callCount)
}

func TestTakeTurn_ExpiredSessionRestartsOnLeftoverCheckpoint(t *testing.T) {
	store := newMockStore()
	store.loadErr = &domain.SessionExpiredError{Version: 7, MessageCount: 12}
	gen := &mockGenerator{results: []revision.Result{producedResult(story("The boats came home."))}}
	svc := newTestTurnService(t, gen, store)

	out, err := svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: "Write a harbor story"})
	require.NoError(t, err)
	require.Equal(t, revision.TransitionGenerated, out.Transition)
	require.Len(t, gen.lastConv, 1, "nothing from the expired session is replayed")

	saved := store.sessions["s-1"]
	require.Equal(t, int64(8), saved.Version)
	require.Equal(t, 12+len(out.Appended), saved.MessageCount)
	require.Equal(t, 12, saved.HistoryStart)
	require.Equal(t, 1, saved.Turns)

	_, err = svc.GetSession(context.Background(), "s-1")
	expectTurnError(t, err, ErrorNotFound, "session_not_found")
}

func TestTakeTurn_StoreErrors(t *testing.T) {
	gen := &mockGenerator{results: []revision.Result{producedResult(story("x"))}}

	store := newMockStore()
	store.loadErr = errors.New("dynamodb down")
	svc := newTestTurnService(t, gen, store)
	_, err := svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: "Write"})
	expectTurnError(t, err, ErrorInternal, "checkpoint_load_error")

	store = newMockStore()
	store.saveErr = domain.ErrConflict
	svc = newTestTurnService(t, gen, store)
	_, err = svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: "Write"})
	expectTurnError(t, err, ErrorConflict, "checkpoint_conflict")

	store = newMockStore()
	store.saveErr = errors.New("write failed")
	svc = newTestTurnService(t, gen, store)
	_, err = svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: "Write"})
	expectTurnError(t, err, ErrorInternal, "checkpoint_write_error")
}

func TestTakeTurn_PassesStoredHistoryToGenerator(t *testing.T) {
	store := newMockStore()
	store.sessions["s-1"] = domain.Session{
		ID:      "s-1",
		History: []domain.Message{{Role: domain.RoleUser, Content: "earlier"}},
	}
	gen := &mockGenerator{results: []revision.Result{producedResult(story("x"))}}
	svc := newTestTurnService(t, gen, store)

	_, err := svc.TakeTurn(context.Background(), TurnInput{SessionID: "s-1", Message: "Write"})
	require.NoError(t, err)
	require.Len(t, gen.lastConv, 2)
	require.Equal(t, "earlier", gen.lastConv[0].Content)
	require.Equal(t, "Write", gen.lastConv[1].Content)
}

func TestGetSession(t *testing.T) {
	store := newMockStore()
	c := story("x")
	store.sessions["s-1"] = domain.Session{
		ID:       "s-1",
		Revision: domain.RevisionState{Current: &c, Previous: &c},
		History:  []domain.Message{{Role: domain.RoleUser, Content: "Write"}},
	}
	svc := newTestTurnService(t, &mockGenerator{}, store)

	out, err := svc.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	require.Equal(t, domain.StageIdle, out.Stage)
	require.Len(t, out.History, 1)

	_, err = svc.GetSession(context.Background(), "missing")
	expectTurnError(t, err, ErrorNotFound, "session_not_found")

	_, err = svc.GetSession(context.Background(), " ")
	expectTurnError(t, err, ErrorInvalidInput, "empty_session_id")

	store.loadErr = errors.New("boom")
	_, err = svc.GetSession(context.Background(), "s-1")
	expectTurnError(t, err, ErrorInternal, "checkpoint_load_error")
}
