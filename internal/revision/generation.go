package revision

import (
	"context"

	"story-agent/internal/domain"
)

// Generator is the boundary to the external text-generation collaborator.
// Implementations must report every failure as a declined Result; the
// controller never sees an error.
type Generator interface {
	Generate(ctx context.Context, instructions string, conversation []domain.Message) Result
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, instructions string, conversation []domain.Message) Result

func (f GeneratorFunc) Generate(ctx context.Context, instructions string, conversation []domain.Message) Result {
	return f(ctx, instructions, conversation)
}

// Result is either Produced (Content set) or Declined (Content nil).
// Raw is the collaborator's own response and is always appended to the log.
type Result struct {
	Content *domain.StoryContent
	Raw     domain.Message
	// Reason explains a declined result. It is only used for logging.
	Reason error
}

func Produced(content domain.StoryContent, raw domain.Message) Result {
	return Result{Content: &content, Raw: raw}
}

func Declined(raw domain.Message, reason error) Result {
	return Result{Raw: raw, Reason: reason}
}

func (r Result) IsProduced() bool {
	return r.Content != nil
}
