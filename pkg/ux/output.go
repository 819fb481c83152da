// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the awaregpt CLI.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette.
var (
	ColorAccent = lipgloss.Color("#2CD7C7")
	ColorHigh   = lipgloss.Color("#2ECC71")
	ColorMedium = lipgloss.Color("#F4D03F")
	ColorLow    = lipgloss.Color("#E74C3C")
	ColorMuted  = lipgloss.Color("#5D7B85")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title  lipgloss.Style
	Muted  lipgloss.Style
	Error  lipgloss.Style
	High   lipgloss.Style
	Medium lipgloss.Style
	Low    lipgloss.Style
	Prompt lipgloss.Style
}{
	Title:  lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Muted:  lipgloss.NewStyle().Foreground(ColorMuted),
	Error:  lipgloss.NewStyle().Foreground(ColorLow),
	High:   lipgloss.NewStyle().Bold(true).Foreground(ColorHigh),
	Medium: lipgloss.NewStyle().Bold(true).Foreground(ColorMedium),
	Low:    lipgloss.NewStyle().Bold(true).Foreground(ColorLow),
	Prompt: lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
}

// Band is a confidence colour band.
type Band int

const (
	BandLow Band = iota
	BandMedium
	BandHigh
)

// Band thresholds on confidence percent.
const (
	HighConfidencePercent   = 70.0
	MediumConfidencePercent = 40.0
)

// BandFor maps a confidence percentage to its band.
func BandFor(percent float64) Band {
	switch {
	case percent >= HighConfidencePercent:
		return BandHigh
	case percent >= MediumConfidencePercent:
		return BandMedium
	default:
		return BandLow
	}
}

func (b Band) style() lipgloss.Style {
	switch b {
	case BandHigh:
		return Styles.High
	case BandMedium:
		return Styles.Medium
	default:
		return Styles.Low
	}
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Printer writes CLI output, styled only when colour is enabled.
type Printer struct {
	out   io.Writer
	color bool
}

// NewPrinter writes to out and enables colour when out is a terminal.
func NewPrinter(out io.Writer) *Printer {
	color := false
	if f, ok := out.(*os.File); ok {
		color = IsTerminal(f)
	}
	return &Printer{out: out, color: color}
}

// NewPlainPrinter never styles output.
func NewPlainPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

func (p *Printer) render(style lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return style.Render(text)
}

// Write passes text through unstyled. Used for streamed fragments.
func (p *Printer) Write(b []byte) (int, error) {
	return p.out.Write(b)
}

// Title prints a heading line.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.out, p.render(Styles.Title, text))
}

// Muted prints secondary information.
func (p *Printer) Muted(format string, args ...any) {
	fmt.Fprintln(p.out, p.render(Styles.Muted, fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.out, p.render(Styles.Error, fmt.Sprintf(format, args...)))
}

// Println prints plain text.
func (p *Printer) Println(args ...any) {
	fmt.Fprintln(p.out, args...)
}

// Prompt returns the REPL prompt.
func (p *Printer) Prompt() string {
	return p.render(Styles.Prompt, "you> ")
}

// ConfidenceBadge renders "[confidence: 82%]" in its band colour.
// percent is nil for an unscored turn. flagged appends a warning.
func (p *Printer) ConfidenceBadge(percent *float64, flagged bool) string {
	if percent == nil {
		return p.render(Styles.Muted, "[confidence: n/a]")
	}
	text := fmt.Sprintf("[confidence: %.0f%%]", *percent)
	if flagged {
		text += " possible hallucination"
	}
	return p.render(BandFor(*percent).style(), text)
}
