package tools

import (
	"fmt"
	"strings"
)

// ErrToolUnavailable reports a call to a name missing from the registry.
// Its message is what the model reads back, so it names the alternatives.
type ErrToolUnavailable struct {
	ToolName  string
	Available []string
}

func (e *ErrToolUnavailable) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("tool %q is not available; no tools are loaded", e.ToolName)
	}
	return fmt.Sprintf("tool %q is not available; use one of: %s", e.ToolName, strings.Join(e.Available, ", "))
}
