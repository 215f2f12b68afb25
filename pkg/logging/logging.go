package logging

import (
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

func init() {
	// Set the global logger to use standard output.
	log.SetOutput(os.Stdout)

	// Disable colorized output when standard output has been redirected to
	// something other than a terminal (a file, a pipe, a log collector).
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}
