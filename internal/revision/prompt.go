package revision

import (
	"encoding/json"
	"fmt"
	"strings"

	"story-agent/internal/domain"
)

// ToolName is the name of the structured-output tool every generation call
// must invoke.
const ToolName = "StoryContent"

func buildGenerationInstructions(prompt string) string {
	return strings.Join([]string{
		"Role:",
		"You are a creative storyteller that creates engaging and imaginative stories based on user prompts or descriptions.",
		"",
		"Task:",
		"Generate a story with a clear narrative structure, engaging characters, and vivid descriptions.",
		fmt.Sprintf("Use the provided prompt to create the story: %q", normalizePromptInput(prompt)),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func buildEditInstructions(current domain.StoryContent, instruction string) string {
	return strings.Join([]string{
		"Role:",
		"You are a careful story editor.",
		"",
		"Task:",
		"Apply the requested edit to the current story and keep everything the request does not mention unchanged.",
		fmt.Sprintf("Edit request: %q", normalizePromptInput(instruction)),
		"",
		"Current Story (JSON):",
		storyJSON(current),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func outputContract() string {
	return "Always call the " + ToolName + " tool exactly once with the complete story: " +
		"title (string), genre (string), summary (string) and story (the full story text). " +
		"Do not reply with plain text."
}

func storyJSON(c domain.StoryContent) string {
	buf, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return c.Story
	}
	return string(buf)
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
