package pty

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// Screen is a vt10x-backed virtual terminal fed from a tee of the pty's raw
// output. It exists purely for diagnostics: when a CLI dies mid-turn the
// last rendered frame usually says why (auth prompt, usage banner, panic)
// far more legibly than the truncated NDJSON line does.
type Screen struct {
	mu   sync.Mutex
	term vt10x.Terminal
	rows int
	cols int
}

// NewScreen creates a cols x rows virtual terminal.
func NewScreen(cols, rows int) *Screen {
	return &Screen{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Write feeds raw terminal bytes into the emulator. Always reports the full
// length as written so the TeeReader upstream never stalls.
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.term.Write(p)
	return len(p), nil
}

// Lines returns the visible screen content, trailing blank lines trimmed.
func (s *Screen) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, 0, s.rows)
	for row := 0; row < s.rows; row++ {
		var b strings.Builder
		for col := 0; col < s.cols; col++ {
			g := s.term.Cell(col, row)
			if g.Char == 0 {
				b.WriteRune(' ')
			} else {
				b.WriteRune(g.Char)
			}
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// String renders the screen as one newline-joined block.
func (s *Screen) String() string {
	return strings.Join(s.Lines(), "\n")
}
