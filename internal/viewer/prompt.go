package viewer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/javanstorm/migloop/internal/terminal"
)

// Prompter blocks until the operator confirms.
type Prompter interface {
	Confirm(ctx context.Context, message string) error
}

// TerminalPrompter prompts on Out and reads from In. When In is a terminal
// a single key press confirms; otherwise it reads one line.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

// NewTerminalPrompter prompts on stdout and reads stdin.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stdout}
}

// Confirm returns once the operator answers or ctx ends. A terminal left
// in raw mode for the key press is restored in both cases.
func (p *TerminalPrompter) Confirm(ctx context.Context, message string) error {
	if f, ok := p.In.(*os.File); ok {
		if con := terminal.New(f); con.IsTTY() {
			fmt.Fprintf(p.Out, "%s (press any key) ", message)
			_, err := con.ReadKey(ctx)
			fmt.Fprint(p.Out, "\r\n")
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("viewer: %w", err)
			}
			return nil
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- p.readLine(message) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (p *TerminalPrompter) readLine(message string) error {
	fmt.Fprintf(p.Out, "%s (press Enter)\n", message)
	if _, err := bufio.NewReader(p.In).ReadString('\n'); err != nil && err != io.EOF {
		return fmt.Errorf("viewer: read line: %w", err)
	}
	return nil
}
