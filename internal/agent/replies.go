package agent

import (
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// countCodeBlocks returns the number of fenced or indented code blocks in
// a markdown reply.
func countCodeBlocks(reply string) int {
	source := []byte(reply)
	doc := markdown.Parser().Parse(text.NewReader(source))

	n := 0
	_ = ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node.Kind() {
		case ast.KindFencedCodeBlock, ast.KindCodeBlock:
			n++
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return n
}

// proseCodeBlocks counts the code blocks in a final reply when tools were
// available but none was called, the failure mode the direct tool call
// reinforcement targets. It returns 0 for every other reply.
func (c *Controller) proseCodeBlocks(reply string) int {
	if c.registry.Len() == 0 || reply == "" {
		return 0
	}
	n := countCodeBlocks(reply)
	if n > 0 {
		c.logger.Debug("reply contains code blocks instead of tool calls",
			"model", c.model, "code_blocks", n)
	}
	return n
}
