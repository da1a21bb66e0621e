package credential

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// TerminalPrompter reads credentials from an input stream. Secrets are read
// without echo when the input is a terminal.
type TerminalPrompter struct {
	mu     sync.Mutex
	reader *bufio.Reader
	out    io.Writer
	fd     int
	isTerm bool
}

// NewTerminalPrompter creates a prompter reading from in and writing prompts
// to out
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	p := &TerminalPrompter{
		reader: bufio.NewReader(in),
		out:    out,
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
		p.isTerm = true
	}
	return p
}

// ReadLine prints prompt and reads one line of input
func (p *TerminalPrompter) ReadLine(prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.out, prompt)
	return p.readLine()
}

// ReadSecret prints prompt and reads one line of input without echo
func (p *TerminalPrompter) ReadSecret(prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.out, prompt)
	if !p.isTerm {
		return p.readLine()
	}

	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *TerminalPrompter) readLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
