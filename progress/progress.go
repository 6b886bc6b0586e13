// Copyright (c) 2021 Nutanix, Inc.

// Package progress renders the transfer progress bar on stderr.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

// Mode decides when the bar is drawn
type Mode string

const (
	// Auto draws only when the output is a terminal
	Auto   Mode = "auto"
	Always Mode = "always"
	Never  Mode = "never"
)

const barWidth = 50

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Auto, Always, Never:
		return m, nil
	case "":
		return Auto, nil
	}
	return "", fmt.Errorf("progress: unknown mode %q", s)
}

// Bar is a single line progress bar redrawn in place with a carriage return
type Bar struct {
	w       io.Writer
	label   string
	enabled bool
	drawn   bool
}

// New returns a bar writing to w. label names the direction, e.g. "sent" or "received".
func New(w io.Writer, label string, mode Mode) *Bar {
	return &Bar{
		w:       w,
		label:   label,
		enabled: enabled(w, mode),
	}
}

func enabled(w io.Writer, mode Mode) bool {
	switch mode {
	case Always:
		return true
	case Never:
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Update draws done out of total frames, with the number of stream bytes moved so far
func (b *Bar) Update(done, total uint32, bytes uint64) {
	if !b.enabled {
		return
	}
	var percentage float64
	if total != 0 {
		percentage = float64(done) / float64(total) * 100
	}
	chars := int(percentage / (100.0 / barWidth))
	if chars > barWidth {
		chars = barWidth
	}

	fmt.Fprintf(b.w, "[%s%s] %.2f%% (%s) %s\r",
		strings.Repeat("=", chars),
		strings.Repeat(" ", barWidth-chars),
		percentage,
		b.label,
		humanize.Bytes(bytes))
	b.drawn = true
}

// Finish ends the line the bar was drawn on
func (b *Bar) Finish() {
	if !b.enabled || !b.drawn {
		return
	}
	fmt.Fprint(b.w, "\n")
	b.drawn = false
}
