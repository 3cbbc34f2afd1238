// Package cli provides interactive terminal prompt helpers for setup wizards.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// Section prints a heading for a group of questions.
func (p *Prompter) Section(title string) {
	_, _ = fmt.Fprintf(p.Out, "\n%s\n", title)
}

// Printf writes formatted output.
func (p *Prompter) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// readLine reads one trimmed line. ok is false once input is exhausted.
func (p *Prompter) readLine() (line string, ok bool) {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// Ask prints a question with a default value and reads one line.
// Returns the default if the user presses Enter without typing.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		p.Printf("%s [%s]: ", question, defaultVal)
	} else {
		p.Printf("%s: ", question)
	}
	if line, _ := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskRequired repeats the question until a non-empty answer is given. At
// end of input it returns "".
func (p *Prompter) AskRequired(question string) string {
	for {
		p.Printf("%s: ", question)
		line, ok := p.readLine()
		if !ok || line != "" {
			return line
		}
		p.Printf("  A value is required.\n")
	}
}

// AskURL asks for an absolute http(s) URL. An empty answer returns the
// default, which is not validated.
func (p *Prompter) AskURL(question, defaultVal string) string {
	for {
		ans := p.Ask(question, defaultVal)
		if ans == defaultVal || validURL(ans) {
			return ans
		}
		p.Printf("  Please enter an absolute http(s) URL.\n")
	}
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// AskSecret reads a line without echo when In is a terminal, otherwise a
// plain line (tests, piped input). An empty answer returns defaultVal.
func (p *Prompter) AskSecret(question, defaultVal string) string {
	if defaultVal != "" {
		p.Printf("%s [keep current]: ", question)
	} else {
		p.Printf("%s: ", question)
	}

	var ans string
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.Printf("\n")
		if err == nil {
			ans = strings.TrimSpace(string(b))
		}
	} else {
		ans, _ = p.readLine()
	}
	if ans == "" {
		return defaultVal
	}
	return ans
}

// AskList reads a comma-separated list. Blank entries are dropped.
func (p *Prompter) AskList(question string, defaultVal []string) []string {
	ans := p.Ask(question+" (comma-separated)", strings.Join(defaultVal, ","))
	var out []string
	for _, part := range strings.Split(ans, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Choose presents a numbered list of options and returns the selected value.
// At end of input the default is returned.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.Printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.Printf("%s%d) %s\n", marker, i+1, opt)
	}

	for {
		p.Printf("Choice [%d]: ", defaultIdx+1)
		line, ok := p.readLine()
		if !ok || line == "" {
			return options[defaultIdx]
		}
		if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		for _, opt := range options {
			if strings.EqualFold(line, opt) {
				return opt
			}
		}
		p.Printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
