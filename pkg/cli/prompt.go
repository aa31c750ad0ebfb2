// Package cli holds terminal helpers shared by the gateway commands: line
// prompts for the setup wizard and lipgloss styles for tabular output.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In, one per line.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	reader *bufio.Reader
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// line reads one trimmed line. EOF yields "".
func (p *Prompter) line() string {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	s, _ := p.reader.ReadString('\n')
	return strings.TrimSpace(s)
}

// Ask reads a free-form answer, returning def on an empty line.
func (p *Prompter) Ask(question, def string) string {
	if def != "" {
		p.printf("%s [%s]: ", question, def)
	} else {
		p.printf("%s: ", question)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// AskSecret reads a value without echo when In is a terminal. An empty
// answer returns def, which lets callers offer a generated secret.
func (p *Prompter) AskSecret(question, def string) string {
	if def != "" {
		p.printf("%s [enter to generate]: ", question)
	} else {
		p.printf("%s: ", question)
	}

	var ans string
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			ans = strings.TrimSpace(string(b))
		}
	} else {
		ans = p.line()
	}
	if ans == "" {
		return def
	}
	return ans
}

// AskInt reads an integer in [lo, hi], re-asking until one is given.
func (p *Prompter) AskInt(question string, def, lo, hi int) int {
	for {
		n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(def)))
		if err == nil && n >= lo && n <= hi {
			return n
		}
		p.printf("  Enter a whole number from %d to %d.\n", lo, hi)
	}
}

// AskDuration reads a Go duration such as 30m or 90s.
func (p *Prompter) AskDuration(question string, def time.Duration) time.Duration {
	for {
		d, err := time.ParseDuration(p.Ask(question, def.String()))
		if err == nil && d >= 0 {
			return d
		}
		p.printf("  Enter a duration like 45s, 30m or 2h.\n")
	}
}

// AskList reads a comma-separated list. "-" clears the default.
func (p *Prompter) AskList(question string, def []string) []string {
	ans := p.Ask(question, strings.Join(def, ","))
	if ans == "-" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(ans, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Choose lists options and returns the one picked by number or by name.
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		mark := " "
		if i == def {
			mark = "*"
		}
		p.printf("  %s %d) %s\n", mark, i+1, opt)
	}
	for {
		ans := p.Ask("  Choice", strconv.Itoa(def+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		for _, opt := range options {
			if strings.EqualFold(ans, opt) {
				return opt
			}
		}
		p.printf("  Pick 1-%d or type an option name.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	switch strings.ToLower(p.Ask(question+" ("+hint+")", "")) {
	case "":
		return def
	case "y", "yes":
		return true
	}
	return false
}
