// Package printer writes user-facing status lines.
package printer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Printer receives human-readable status messages.
type Printer interface {
	Print(msg string)
}

var (
	prefixStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	bannerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	connectStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	lostStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// Terminal prefixes every line with "| ". While an interactive session owns the
// terminal, output is framed with banners and carriage returns so it stays
// readable inside the remote shell's raw mode.
type Terminal struct {
	mu    sync.Mutex
	out   io.Writer
	inSSH bool
}

// NewTerminal returns a printer writing to w, or stdout when w is nil.
func NewTerminal(w io.Writer) *Terminal {
	if w == nil {
		w = os.Stdout
	}
	return &Terminal{out: w}
}

// SetInSession toggles session framing.
func (t *Terminal) SetInSession(v bool) {
	t.mu.Lock()
	t.inSSH = v
	t.mu.Unlock()
}

func (t *Terminal) Print(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inSSH {
		fmt.Fprint(t.out, "\n\r"+bannerStyle.Render("[ --- docker-env client --- ]")+"\n")
		for _, line := range strings.Split(msg, "\n") {
			fmt.Fprintf(t.out, "\r%s %s\n", prefixStyle.Render("|"), style(line))
		}
		fmt.Fprint(t.out, "\r"+bannerStyle.Render("[ --- ]")+"\r\n")
		return
	}
	for _, line := range strings.Split(msg, "\n") {
		fmt.Fprintf(t.out, "%s %s\n", prefixStyle.Render("|"), style(line))
	}
}

func style(line string) string {
	switch {
	case strings.HasPrefix(line, "Connected "):
		return connectStyle.Render(line)
	case strings.HasPrefix(line, "Lost connection"), strings.HasPrefix(line, "Failed "):
		return lostStyle.Render(line)
	default:
		return line
	}
}

// Buffer collects messages in memory.
type Buffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *Buffer) Print(msg string) {
	b.mu.Lock()
	b.lines = append(b.lines, msg)
	b.mu.Unlock()
}

// Lines returns a copy of everything printed so far.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// String joins every message with newlines.
func (b *Buffer) String() string {
	return strings.Join(b.Lines(), "\n")
}

// Discard drops every message.
var Discard Printer = discard{}

type discard struct{}

func (discard) Print(string) {}
