// Package revision implements the turn controller that sequences story
// generation, edits, confirmation and rollback for a single session.
package revision

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"story-agent/internal/diff"
	"story-agent/internal/domain"
)

// CancelAnswer is the only confirmation answer that rejects a candidate.
// The match is exact and case-sensitive; every other answer accepts.
const CancelAnswer = "Cancel"

type Transition string

const (
	TransitionGenerated     Transition = "generated"
	TransitionEdited        Transition = "edited"
	TransitionAccepted      Transition = "accepted"
	TransitionReverted      Transition = "reverted"
	TransitionKeptInPreview Transition = "kept_in_preview"
	TransitionDeclined      Transition = "declined"
	TransitionIgnored       Transition = "ignored"
)

const (
	toolCreated = "Story created!"
	toolUpdated = "Story updated!"
)

// Inbound is one user turn. Input is only consulted for the very first
// generation of a session and takes precedence over Message there.
type Inbound struct {
	Message string
	Input   string
}

// Outcome is the result of one turn: the replacement RevisionState and the
// messages to append to the session log, in order.
type Outcome struct {
	Revision   domain.RevisionState
	Appended   []domain.Message
	Transition Transition
	// Reason is set when the generator declined.
	Reason error
}

type Controller struct {
	gen Generator
	now func() time.Time
}

type Option func(*Controller)

// WithClock overrides the timestamp source for appended messages.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

func NewController(gen Generator, opts ...Option) (*Controller, error) {
	if gen == nil {
		return nil, errors.New("revision: generator must not be nil")
	}
	c := &Controller{gen: gen, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Step runs exactly one transition for the given state and inbound turn.
// A session awaiting confirmation always resolves it; otherwise the turn
// generates a first story or edits the existing one.
func (c *Controller) Step(ctx context.Context, rev domain.RevisionState, history []domain.Message, in Inbound) Outcome {
	if rev.Stage() == domain.StageAwaitingConfirmation {
		return c.Resolve(rev, in.Message)
	}
	return c.Start(ctx, rev, history, in)
}

// Resolve answers a pending confirmation. It never calls the generator.
func (c *Controller) Resolve(rev domain.RevisionState, answer string) Outcome {
	appended := c.userMessage(answer)

	next := rev
	next.PendingConfirmation = false
	next.DiffMarkup = ""

	switch {
	case answer != CancelAnswer:
		next.Previous = next.Current
		return Outcome{
			Revision:   next,
			Appended:   append(appended, c.assistantMessage(fmt.Sprintf("The story %q has been finalized.", title(next.Current)), domain.KindText)),
			Transition: TransitionAccepted,
		}
	case rev.IsEdit && rev.HasDistinctPrevious():
		next.Current = rev.Previous
		next.IsEdit = false
		return Outcome{
			Revision:   next,
			Appended:   append(appended, c.assistantMessage(fmt.Sprintf("The changes were discarded. The story has been reverted to %q.", title(next.Current)), domain.KindText)),
			Transition: TransitionReverted,
		}
	default:
		// First artifact of the session: there is nothing to roll back to.
		next.Previous = next.Current
		next.IsEdit = false
		return Outcome{
			Revision:   next,
			Appended:   append(appended, c.assistantMessage(fmt.Sprintf("The story %q remains in preview.", title(next.Current)), domain.KindText)),
			Transition: TransitionKeptInPreview,
		}
	}
}

// Start handles a turn while no confirmation is pending.
func (c *Controller) Start(ctx context.Context, rev domain.RevisionState, history []domain.Message, in Inbound) Outcome {
	if !rev.HasArtifact() {
		return c.generate(ctx, rev, history, in)
	}
	return c.edit(ctx, rev, history, in.Message)
}

func (c *Controller) generate(ctx context.Context, rev domain.RevisionState, history []domain.Message, in Inbound) Outcome {
	prompt := in.Message
	if !isBlank(in.Input) {
		prompt = in.Input
	}
	if isBlank(prompt) {
		return Outcome{Revision: rev, Transition: TransitionIgnored}
	}

	said := in.Message
	if isBlank(said) {
		said = in.Input
	}
	appended := c.userMessage(said)

	res := c.gen.Generate(ctx, buildGenerationInstructions(prompt), conversation(history, appended))
	if !res.IsProduced() {
		return c.declined(rev, appended, res)
	}

	content := *res.Content
	baseline := content
	next := domain.RevisionState{
		Current:             &content,
		Previous:            &baseline,
		PendingConfirmation: true,
		IsEdit:              false,
		DiffMarkup:          "",
	}
	appended = append(appended,
		c.stamp(res.Raw),
		c.toolMessage(res.Raw, toolCreated),
		c.assistantMessage(fmt.Sprintf("I've written %q. Do you want to keep this story?", content.Title), domain.KindConfirmationRequest),
	)
	return Outcome{Revision: next, Appended: appended, Transition: TransitionGenerated}
}

func (c *Controller) edit(ctx context.Context, rev domain.RevisionState, history []domain.Message, instruction string) Outcome {
	if isBlank(instruction) {
		return Outcome{Revision: rev, Transition: TransitionIgnored}
	}
	appended := c.userMessage(instruction)

	res := c.gen.Generate(ctx, buildEditInstructions(*rev.Current, instruction), conversation(history, appended))
	if !res.IsProduced() {
		return c.declined(rev, appended, res)
	}

	updated := *res.Content
	next := domain.RevisionState{
		Current:             &updated,
		Previous:            rev.Current,
		PendingConfirmation: true,
		IsEdit:              true,
		DiffMarkup:          diff.Markup(rev.Current.Story, updated.Story),
	}
	appended = append(appended,
		c.stamp(res.Raw),
		c.toolMessage(res.Raw, toolUpdated),
		c.assistantMessage(fmt.Sprintf("I've updated %q. Do you want to keep these changes?", updated.Title), domain.KindConfirmationRequest),
	)
	return Outcome{Revision: next, Appended: appended, Transition: TransitionEdited}
}

// declined leaves the state untouched and only records the raw response.
func (c *Controller) declined(rev domain.RevisionState, appended []domain.Message, res Result) Outcome {
	if res.Raw.Role != "" || res.Raw.Content != "" {
		appended = append(appended, c.stamp(res.Raw))
	}
	return Outcome{Revision: rev, Appended: appended, Transition: TransitionDeclined, Reason: res.Reason}
}

func (c *Controller) userMessage(text string) []domain.Message {
	if text == "" {
		return nil
	}
	return []domain.Message{{Role: domain.RoleUser, Content: text, CreatedAt: c.now()}}
}

func (c *Controller) assistantMessage(text string, kind domain.MessageKind) domain.Message {
	return domain.Message{Role: domain.RoleAssistant, Content: text, Kind: kind, CreatedAt: c.now()}
}

func (c *Controller) toolMessage(raw domain.Message, text string) domain.Message {
	return domain.Message{
		Role:       domain.RoleTool,
		Content:    text,
		ToolCallID: raw.ToolCallID,
		ToolName:   raw.ToolName,
		CreatedAt:  c.now(),
	}
}

func (c *Controller) stamp(m domain.Message) domain.Message {
	if m.Role == "" {
		m.Role = domain.RoleAssistant
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = c.now()
	}
	return m
}

func conversation(history, appended []domain.Message) []domain.Message {
	return append(slices.Clone(history), appended...)
}

func title(c *domain.StoryContent) string {
	if c == nil || isBlank(c.Title) {
		return "Untitled"
	}
	return c.Title
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
