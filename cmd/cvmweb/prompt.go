package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"

	"cvmlink/internal/domain"
	"cvmlink/pkg/webapi"
)

// consolePrompt answers daemon prompts on a terminal. Prompts are shown one
// at a time.
type consolePrompt struct {
	mu      sync.Mutex
	in      *bufio.Reader
	out     io.Writer
	pending chan string // read left running by a cancelled prompt
	waiting atomic.Bool
}

func newConsolePrompt(in io.Reader, out io.Writer) *consolePrompt {
	return &consolePrompt{in: bufio.NewReader(in), out: out}
}

// Interact renders the prompt and reads one answer line. An empty answer or
// end of input declines.
func (p *consolePrompt) Interact(ctx context.Context, in webapi.Interaction) (domain.InteractionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.out, renderInteraction(in))
	if !in.Kind.NeedsReply() {
		return domain.Accepted(false), nil
	}
	fmt.Fprint(p.out, textBold.Render("Accept? [y]es, [n]o, [a]lways, ne[v]er: "))

	p.waiting.Store(true)
	defer p.waiting.Store(false)

	select {
	case line := <-p.readLine():
		p.pending = nil
		return parseAnswer(line), nil
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return domain.Declined(false), ctx.Err()
	}
}

// readLine returns the outstanding read, starting one if none is in
// flight. Callers hold p.mu.
func (p *consolePrompt) readLine() <-chan string {
	if p.pending == nil {
		ch := make(chan string, 1)
		go func() {
			line, _ := p.in.ReadString('\n')
			ch <- line
		}()
		p.pending = ch
	}
	return p.pending
}

// Dismiss notes that the daemon withdrew a prompt still waiting for input.
func (p *consolePrompt) Dismiss() {
	if p.waiting.Load() {
		fmt.Fprintln(p.out, textMuted.Render("(prompt dismissed by the daemon)"))
	}
}

func renderInteraction(in webapi.Interaction) string {
	title := in.Title
	if title == "" {
		title = "The daemon asks"
	}
	body := in.Body
	switch in.Kind {
	case webapi.InteractionConfirmLicense:
		body = "License terms:\n\n" + body
	case webapi.InteractionConfirmLicenseURL:
		body = "Read the license at " + textInfo.Render(body)
	}
	heading := textWarning.Render(title)
	if in.Kind == webapi.InteractionAlert {
		heading = textError.Render(title)
	}
	return promptBox.Render(lipgloss.JoinVertical(lipgloss.Left, heading, "", body))
}

func parseAnswer(line string) domain.InteractionResult {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return domain.Accepted(false)
	case "a", "always":
		return domain.Accepted(true)
	case "v", "never":
		return domain.Declined(true)
	default:
		return domain.Declined(false)
	}
}
