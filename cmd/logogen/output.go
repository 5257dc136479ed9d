package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"logogen/pkg/domain"
	"logogen/pkg/queue"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

type printer struct {
	out, err io.Writer
	noColor  bool
	json     bool
}

func (p *printer) colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + colorReset
}

func (p *printer) success(format string, args ...any) {
	fmt.Fprintln(p.err, p.colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func (p *printer) failure(format string, args ...any) {
	fmt.Fprintln(p.err, p.colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func (p *printer) step(format string, args ...any) {
	fmt.Fprintln(p.err, p.colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

func (p *printer) warn(format string, args ...any) {
	fmt.Fprintln(p.err, p.colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func (p *printer) emitJSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) generation(g domain.Generation) error {
	if p.json {
		return p.emitJSON(g)
	}
	tw := tabwriter.NewWriter(p.out, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", g.ID)
	fmt.Fprintf(tw, "status:\t%s\n", p.status(g.Status))
	fmt.Fprintf(tw, "style:\t%s\n", g.Style)
	fmt.Fprintf(tw, "prompt:\t%s\n", g.Prompt)
	if g.ImageURL != "" {
		fmt.Fprintf(tw, "image:\t%s\n", g.ImageURL)
	}
	if g.Error != "" {
		fmt.Fprintf(tw, "error:\t%s\n", g.Error)
	}
	fmt.Fprintf(tw, "created:\t%s\n", g.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(tw, "updated:\t%s\n", g.UpdatedAt.Local().Format(time.RFC3339))
	return tw.Flush()
}

func (p *printer) generations(items []domain.Generation) error {
	if p.json {
		return p.emitJSON(items)
	}
	tw := tabwriter.NewWriter(p.out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTYLE\tCREATED\tPROMPT")
	for _, g := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", g.ID, g.Status, g.Style,
			g.CreatedAt.Local().Format("2006-01-02 15:04:05"), truncate(g.Prompt, 48))
	}
	return tw.Flush()
}

func (p *printer) deadLetters(items []queue.DeadLetter) error {
	if p.json {
		return p.emitJSON(items)
	}
	if len(items) == 0 {
		p.success("no dead letters")
		return nil
	}
	tw := tabwriter.NewWriter(p.out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "GENERATION\tATTEMPTS\tFAILED\tERROR")
	for _, d := range items {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", d.GenerationID, d.Attempts,
			d.FailedAt.Local().Format("2006-01-02 15:04:05"), truncate(d.Error, 60))
	}
	return tw.Flush()
}

func (p *printer) status(s domain.Status) string {
	switch s {
	case domain.StatusDone:
		return p.colorize(colorGreen, string(s))
	case domain.StatusError:
		return p.colorize(colorRed, string(s))
	default:
		return p.colorize(colorYellow, string(s))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
