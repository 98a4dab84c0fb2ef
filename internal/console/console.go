// Package console renders the interactive conversation on a terminal.
//
// Replies are printed as "Scout: <text>". When stdout is a terminal and
// markdown rendering is enabled, reply text is styled with glamour; piped
// output always stays plain so transcripts remain greppable.
package console

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/nugget/scout/internal/prompts"
	"github.com/nugget/scout/internal/tools"
)

// UserPrompt is printed before reading each line of input.
const UserPrompt = "You: "

const (
	defaultWidth = 100
	rule         = "--------------------------------------------------"
)

// Options configures a Console.
type Options struct {
	// Name labels replies. Defaults to Scout.
	Name string

	// IDE is named in the startup banner.
	IDE string

	// Markdown enables glamour rendering when out is a terminal.
	Markdown bool
}

// Console writes the conversation to an output stream.
type Console struct {
	out      io.Writer
	name     string
	ide      string
	renderer *glamour.TermRenderer
}

// New creates a console writing to out.
func New(out io.Writer, opts Options) *Console {
	c := &Console{out: out, name: opts.Name, ide: opts.IDE}
	if c.name == "" {
		c.name = prompts.DefaultAssistantName
	}
	if c.ide == "" {
		c.ide = prompts.DefaultIDE
	}
	if opts.Markdown {
		if width, ok := terminalWidth(out); ok {
			// A fixed style avoids OSC background queries on the terminal.
			r, err := glamour.NewTermRenderer(
				glamour.WithStandardStyle("dark"),
				glamour.WithWordWrap(width),
			)
			if err == nil {
				c.renderer = r
			}
		}
	}
	return c
}

// terminalWidth reports the width of out when it is a terminal.
func terminalWidth(out io.Writer) (int, bool) {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, false
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		width = defaultWidth
	}
	return width, true
}

// Styled reports whether replies are rendered as markdown.
func (c *Console) Styled() bool { return c.renderer != nil }

// Banner prints the startup lines listing the loaded tools.
func (c *Console) Banner(toolNames []string) {
	fmt.Fprintf(c.out, "%s AI Agent connected to %s. Type 'quit' or 'exit' to end.\n", c.name, c.ide)
	fmt.Fprintf(c.out, "Available tools: [%s]\n", strings.Join(toolNames, ", "))
	fmt.Fprintln(c.out, rule)
}

// Prompt prints the input prompt without a newline.
func (c *Console) Prompt() {
	fmt.Fprint(c.out, UserPrompt)
}

// Reply prints the assistant's final text for a turn. Empty text prints
// the completion placeholder.
func (c *Console) Reply(text string) {
	if strings.TrimSpace(text) == "" {
		text = prompts.EmptyReplyPlaceholder
	}
	if c.renderer != nil {
		if rendered, err := c.renderer.Render(text); err == nil {
			fmt.Fprintf(c.out, "%s:\n%s\n", c.name, strings.TrimRight(rendered, "\n"))
			return
		}
	}
	fmt.Fprintf(c.out, "%s: %s\n", c.name, text)
}

// Error reports a failed turn.
func (c *Console) Error(err error) {
	fmt.Fprintf(c.out, "Error: %v\n", err)
	fmt.Fprintln(c.out, prompts.RetryHint)
}

// CodeWithoutTools notes that the last reply only showed code, so nothing
// was changed in the IDE.
func (c *Console) CodeWithoutTools(blocks int) {
	noun := "code block"
	if blocks != 1 {
		noun += "s"
	}
	fmt.Fprintf(c.out, "(%d %s shown but no tool was called; nothing was changed in %s)\n", blocks, noun, c.ide)
}

// Notice prints an informational line.
func (c *Console) Notice(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

// ToolSchemas prints each tool with its parameter schema.
func (c *Console) ToolSchemas(ts []*tools.Tool) {
	fmt.Fprintln(c.out, "Tool schemas:")
	for _, t := range ts {
		schema := "No schema"
		if t.Parameters != nil {
			if data, err := json.Marshal(t.Parameters); err == nil {
				schema = string(data)
			}
		}
		fmt.Fprintf(c.out, "- %s: %s\n", t.Name, schema)
		if t.Description != "" {
			fmt.Fprintf(c.out, "    %s\n", firstLine(t.Description))
		}
	}
}

// ToolsJSON writes the tool list as indented JSON.
func ToolsJSON(w io.Writer, ts []*tools.Tool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if ts == nil {
		ts = []*tools.Tool{}
	}
	return enc.Encode(ts)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
