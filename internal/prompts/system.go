package prompts

import (
	"fmt"
	"os"
	"slices"
	"strings"
)

// DefaultAssistantName is how the assistant introduces itself.
const DefaultAssistantName = "Scout"

// DefaultIDE names the editor the MCP tools drive.
const DefaultIDE = "IntelliJ"

// baseSystemTemplate is the default system prompt used when no persona
// file is configured. Verbs: assistant name, IDE, tool list, examples.
const baseSystemTemplate = `You are %s, a software developer assistant connected to %s via MCP tools.

Available tools: %s

CRITICAL INSTRUCTIONS:
1. When the user requests IDE actions (creating files, opening files, executing actions, retrieving open files), you MUST use the available tools
2. Call the tool directly using the tool calling format, with correct arguments
3. Do not describe how to do it manually and do not provide code samples instead of a tool call
4. For greetings and general questions, answer directly without tools
%s
You must call tools when requested, not provide explanations.`

// toolExamples are shown only for tools that are actually loaded.
var toolExamples = []struct {
	tool    string
	example string
}{
	{"create_new_file_with_text", `To create Test.java: use create_new_file_with_text with pathInProject="Test.java" and text="your code here"`},
	{"open_file_in_editor", `To open a file: use open_file_in_editor with filePath="filename"`},
	{"get_open_in_editor_file_text", `To get the current file: use get_open_in_editor_file_text`},
	{"execute_action_by_id", `To run an IDE action: use execute_action_by_id with actionId="the action id"`},
}

// SystemPromptParams holds the dynamic parts of the system prompt.
type SystemPromptParams struct {
	Name      string   // assistant name, default Scout
	IDE       string   // editor name, default IntelliJ
	ToolNames []string // names of the loaded tools
}

// SystemPrompt returns the built-in system prompt for the loaded tools.
func SystemPrompt(p SystemPromptParams) string {
	name := p.Name
	if name == "" {
		name = DefaultAssistantName
	}
	ide := p.IDE
	if ide == "" {
		ide = DefaultIDE
	}
	tools := "(none)"
	if len(p.ToolNames) > 0 {
		tools = strings.Join(p.ToolNames, ", ")
	}

	var examples strings.Builder
	for _, ex := range toolExamples {
		if !slices.Contains(p.ToolNames, ex.tool) {
			continue
		}
		if examples.Len() == 0 {
			examples.WriteString("\nTool calling examples:\n")
		}
		examples.WriteString("- " + ex.example + "\n")
	}

	return fmt.Sprintf(baseSystemTemplate, name, ide, tools, examples.String())
}

// LoadPersona reads a persona file that replaces the built-in system
// prompt. The literal {{tools}} in the file is replaced with the loaded
// tool names.
func LoadPersona(path string, toolNames []string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read persona file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("persona file %s is empty", path)
	}
	return strings.ReplaceAll(text, "{{tools}}", strings.Join(toolNames, ", ")), nil
}
