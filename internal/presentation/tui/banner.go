package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner outputs the Espalier ASCII art banner and version.
func PrintBanner(w io.Writer, version string) {
	out := termenv.NewOutput(w)
	// Using a subtle gradient-like color scheme (Lime/Green)
	lines := []struct {
		text  string
		color string
	}{
		{"   ___                 _ _           ", "#a3e635"},
		{"  / _ \\___ _ __   __ _| (_) ___ _ __ ", "#84cc16"},
		{" /  __/ __| '_ \\ / _` | | |/ _ \\ '__|", "#65a30d"},
		{" \\___\\__ \\ |_) | (_| | | |  __/ |   ", "#4d7c0f"},
		{"      |___/ .__/ \\__,_|_|_|\\___|_|   ", "#3f6212"},
		{"          |_|                         ", "#365314"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, out.String(l.text).Foreground(out.Color(l.color)))
	}
	if version != "" {
		fmt.Fprintln(w, out.String("  v"+version).Faint())
	}
	fmt.Fprintln(w)
}
