// Package prompts contains the prompt text Scout sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, are compiled in, and can
// be validated by tests. A persona file configured in config.yaml replaces
// the built-in system prompt; everything else lives here.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the interpolated
// prompt string.
package prompts
