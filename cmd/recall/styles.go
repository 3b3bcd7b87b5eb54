// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters.
var (
	colorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	colorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	colorSlate       = lipgloss.Color("#2C4A54") // muted text
	colorWarning     = lipgloss.Color("#F4D03F")
	colorError       = lipgloss.Color("#E74C3C")
)

var styles = struct {
	Prompt    lipgloss.Style
	Assistant lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Title     lipgloss.Style
}{
	Prompt:    lipgloss.NewStyle().Bold(true).Foreground(colorTealPrimary),
	Assistant: lipgloss.NewStyle().Foreground(colorTealBright),
	Muted:     lipgloss.NewStyle().Foreground(colorSlate),
	Success:   lipgloss.NewStyle().Foreground(colorTealBright),
	Warning:   lipgloss.NewStyle().Foreground(colorWarning),
	Error:     lipgloss.NewStyle().Foreground(colorError),
	Title:     lipgloss.NewStyle().Bold(true).Foreground(colorTealBright),
}

// stdoutIsTTY gates styling: piped output gets plain text so the CLI
// composes with grep and friends.
func stdoutIsTTY() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func renderMuted(s string) string {
	if !stdoutIsTTY() {
		return s
	}
	return styles.Muted.Render(s)
}

func renderAssistant(s string) string {
	if !stdoutIsTTY() {
		return s
	}
	return styles.Assistant.Render(s)
}

func renderSuccess(s string) string {
	if !stdoutIsTTY() {
		return "✓ " + s
	}
	return styles.Success.Render("✓ " + s)
}

func renderError(s string) string {
	if !stdoutIsTTY() {
		return "✗ " + s
	}
	return styles.Error.Render("✗ " + s)
}

func renderTitle(s string) string {
	if !stdoutIsTTY() {
		return s
	}
	return styles.Title.Render(s)
}
