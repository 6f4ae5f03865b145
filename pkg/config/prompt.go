package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter supplies values that must be asked of a person. Implementations:
// TerminalPrompter for interactive use, StaticPrompter for tests and
// automation. A nil Prompter on a Resolver makes prompt-backed refs fail.
type Prompter interface {
	Prompt(spec PromptSpec) (string, error)
}

// TerminalPrompter reads answers from stdin, masking secret input when stdin
// is a terminal. The prompt text goes to Out (stderr when nil) so piped
// stdout stays clean.
type TerminalPrompter struct {
	Out io.Writer
	In  io.Reader

	reader *bufio.Reader
}

var _ Prompter = (*TerminalPrompter)(nil)

func (p *TerminalPrompter) Prompt(spec PromptSpec) (string, error) {
	out := p.Out
	if out == nil {
		out = os.Stderr
	}

	label := spec.Label
	if spec.Default != "" {
		label = fmt.Sprintf("%s [%s]", label, spec.Default)
	}
	fmt.Fprintf(out, "%s: ", label)

	fd := int(os.Stdin.Fd())
	if spec.Secret && p.In == nil && term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read secret input: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	if p.reader == nil {
		in := p.In
		if in == nil {
			in = os.Stdin
		}
		p.reader = bufio.NewReader(in)
	}
	line, err := p.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// StaticPrompter answers prompts from a fixed table keyed by label.
type StaticPrompter struct {
	Answers map[string]string

	// Asked records the labels prompted for, in order.
	Asked []string
}

var _ Prompter = (*StaticPrompter)(nil)

func (p *StaticPrompter) Prompt(spec PromptSpec) (string, error) {
	p.Asked = append(p.Asked, spec.Label)
	v, ok := p.Answers[spec.Label]
	if !ok {
		if spec.Default != "" {
			return spec.Default, nil
		}
		return "", fmt.Errorf("no static answer for prompt %q", spec.Label)
	}
	return v, nil
}
