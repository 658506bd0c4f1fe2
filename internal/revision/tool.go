package revision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"story-agent/internal/domain"
)

const ToolDescription = "Return the complete story as structured content."

// ToolField describes one argument of the StoryContent tool.
type ToolField struct {
	Name        string
	Description string
}

// ToolFields lists the StoryContent tool arguments in schema order. All of
// them are required strings.
var ToolFields = []ToolField{
	{Name: "title", Description: "The title of the story."},
	{Name: "genre", Description: "The genre of the story."},
	{Name: "summary", Description: "A one or two sentence summary of the story."},
	{Name: "story", Description: "The full text of the story."},
}

// ParseToolArguments decodes the JSON arguments of a StoryContent call.
// Unknown fields are rejected and title and story must be non-blank.
func ParseToolArguments(raw string) (domain.StoryContent, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var c domain.StoryContent
	if err := dec.Decode(&c); err != nil {
		return domain.StoryContent{}, fmt.Errorf("decode %s arguments: %w", ToolName, err)
	}
	if strings.TrimSpace(c.Title) == "" {
		return domain.StoryContent{}, fmt.Errorf("%s arguments: title is empty", ToolName)
	}
	if strings.TrimSpace(c.Story) == "" {
		return domain.StoryContent{}, fmt.Errorf("%s arguments: story is empty", ToolName)
	}
	return c, nil
}

// ParseToolArgumentMap is ParseToolArguments for providers that hand back
// already-decoded arguments.
func ParseToolArgumentMap(args map[string]any) (domain.StoryContent, string, error) {
	buf, err := json.Marshal(args)
	if err != nil {
		return domain.StoryContent{}, "", fmt.Errorf("encode %s arguments: %w", ToolName, err)
	}
	c, err := ParseToolArguments(string(buf))
	return c, string(buf), err
}
