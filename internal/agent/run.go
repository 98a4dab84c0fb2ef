package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// Presenter shows the conversation to the user.
type Presenter interface {
	Prompt()
	Reply(text string)
	Error(err error)
}

// CodeNoticer is implemented by presenters that point out a reply which
// showed code without calling any tool.
type CodeNoticer interface {
	CodeWithoutTools(blocks int)
}

// maxLineBytes bounds a single line of user input.
const maxLineBytes = 1 << 20

// Run reads lines from in until an exit keyword, end of input, or ctx is
// cancelled. Failed turns are reported through ui and the loop carries
// on. End of input terminates the conversation cleanly.
func (c *Controller) Run(ctx context.Context, in io.Reader, ui Presenter) error {
	if c.state == Terminated {
		return ErrTerminated
	}

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)

	var readErr error
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		readErr = scanner.Err()
	}()

	for {
		ui.Prompt()
		select {
		case <-ctx.Done():
			c.terminate(ctx)
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				c.terminate(ctx)
				if readErr != nil {
					return fmt.Errorf("read input: %w", readErr)
				}
				return nil
			}
			turn, err := c.HandleLine(ctx, line)
			if err != nil {
				if ctx.Err() != nil {
					c.terminate(ctx)
					return ctx.Err()
				}
				ui.Error(err)
				continue
			}
			switch {
			case turn.Exit:
				return nil
			case turn.Skipped:
				continue
			}
			ui.Reply(turn.Reply)
			if n, ok := ui.(CodeNoticer); ok && turn.CodeBlocks > 0 {
				n.CodeWithoutTools(turn.CodeBlocks)
			}
		}
	}
}
