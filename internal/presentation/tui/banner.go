package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

var bannerLines = []struct {
	text  string
	color string
}{
	{"                       _ _     _      ", "#fbbf24"},
	{"   ___ _ __ _   _  ___(_) |__ | | ___ ", "#f59e0b"},
	{"  / __| '__| | | |/ __| | '_ \\| |/ _ \\", "#f97316"},
	{" | (__| |  | |_| | (__| | |_) | |  __/", "#ef4444"},
	{"  \\___|_|   \\__,_|\\___|_|_.__/|_|\\___|", "#dc2626"},
}

// PrintBanner writes the crucible banner followed by the version.
func PrintBanner(w io.Writer, version string) {
	out := termenv.NewOutput(w)
	fmt.Fprintln(w)
	for _, l := range bannerLines {
		fmt.Fprintln(w, out.String(l.text).Foreground(out.Color(l.color)))
	}
	fmt.Fprintln(w, out.String("  "+version).Faint())
	fmt.Fprintln(w)
}
