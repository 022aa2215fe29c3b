package main

import (
	"fmt"
	"io"
	"os"
)

// Status output goes to stderr so stdout stays pipeable: `keepsake context`
// and the JSON-printing commands must survive redirection untouched.
var statusOut io.Writer = os.Stderr

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

func paint(code, text string) string {
	if noColor {
		return text
	}
	return code + text + ansiReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(statusOut, paint(ansiGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(statusOut, paint(ansiRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(statusOut, paint(ansiYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(statusOut, paint(ansiCyan, "→ "+fmt.Sprintf(format, args...)))
}

// printHeading opens a stats block; printStat renders one aligned row under
// it. Labels are padded before painting so escape codes don't skew the column.
func printHeading(format string, args ...any) {
	fmt.Fprintln(statusOut, paint(ansiBold, fmt.Sprintf(format, args...)))
}

func printStat(label string, format string, args ...any) {
	padded := fmt.Sprintf("%-13s", label+":")
	fmt.Fprintf(statusOut, "  %s %s\n", paint(ansiBold, padded), fmt.Sprintf(format, args...))
}
