package domain

// StoryContent is one generated version of the artifact under revision.
// Values are never mutated once produced; an edit yields a new StoryContent.
type StoryContent struct {
	Title   string `json:"title"`
	Genre   string `json:"genre"`
	Summary string `json:"summary"`
	Story   string `json:"story"`
}

// Stage is the controller state derived from a RevisionState.
type Stage string

const (
	StageIdle                 Stage = "idle"
	StageAwaitingConfirmation Stage = "awaiting_confirmation"
)

// RevisionState is the durable per-session record of the artifact.
// It is replaced wholesale on every turn.
type RevisionState struct {
	Current             *StoryContent `json:"current,omitempty"`
	Previous            *StoryContent `json:"previous,omitempty"`
	PendingConfirmation bool          `json:"pendingConfirmation"`
	IsEdit              bool          `json:"isEdit"`
	DiffMarkup          string        `json:"diffMarkup"`
}

// Stage reports whether the session is waiting for a confirmation answer.
func (r RevisionState) Stage() Stage {
	if r.PendingConfirmation {
		return StageAwaitingConfirmation
	}
	return StageIdle
}

// HasArtifact reports whether a story has been generated in this session.
func (r RevisionState) HasArtifact() bool {
	return r.Current != nil
}

// HasDistinctPrevious reports whether Previous holds a real earlier version
// that differs from Current, i.e. whether a rollback would change anything.
func (r RevisionState) HasDistinctPrevious() bool {
	if r.Current == nil || r.Previous == nil {
		return false
	}
	return *r.Current != *r.Previous
}
