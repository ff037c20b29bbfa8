package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/loykin/devpanel/internal/orchestrator"
	"github.com/loykin/devpanel/pkg/client"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiGray   = "\033[90m"
)

// printer renders command output either as tables or as JSON.
type printer struct {
	w     io.Writer
	json  bool
	color bool
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	p := &printer{w: w, json: asJSON}
	if f, ok := w.(*os.File); ok {
		p.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return p
}

func (p *printer) printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintln(p.w, err)
		return
	}
	_, _ = fmt.Fprintln(p.w, string(b))
}

func (p *printer) paint(state string) string {
	if !p.color {
		return state
	}
	var c string
	switch state {
	case "running":
		c = ansiGreen
	case "failed":
		c = ansiRed
	case "starting", "stopping":
		c = ansiYellow
	default:
		c = ansiGray
	}
	return c + state + ansiReset
}

func (p *printer) state(s client.State) string {
	if s.Reason != "" {
		return p.paint(s.State) + " (" + s.Reason + ")"
	}
	return p.paint(s.State)
}

func (p *printer) snapshot(rows []client.ServerStatus) {
	if p.json {
		p.printJSON(rows)
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tWEIGHT\tSTATUS\tPID\tPORTS\tUPTIME")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			r.Name, r.Weight, p.state(r.Status), pidString(r.PID), portsString(r.Ports), uptime(r))
	}
	_ = tw.Flush()
}

func (p *printer) detail(d client.ServerDetail) {
	if p.json {
		p.printJSON(d)
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Name:\t%s\n", d.Name)
	_, _ = fmt.Fprintf(tw, "Status:\t%s\n", p.state(d.Status))
	_, _ = fmt.Fprintf(tw, "Weight:\t%d\n", d.Weight)
	_, _ = fmt.Fprintf(tw, "PID:\t%s\n", pidString(d.PID))
	_, _ = fmt.Fprintf(tw, "Ports:\t%s\n", portsString(d.Ports))
	if d.UptimeSeconds > 0 {
		_, _ = fmt.Fprintf(tw, "Uptime:\t%s\n", (time.Duration(d.UptimeSeconds) * time.Second).String())
	}
	if d.Stats != nil {
		_, _ = fmt.Fprintf(tw, "CPU:\t%.1f%%\n", d.Stats.CPUPercent)
		_, _ = fmt.Fprintf(tw, "Memory:\t%.1f MiB\n", float64(d.Stats.RSSBytes)/(1<<20))
		_, _ = fmt.Fprintf(tw, "Threads:\t%d\n", d.Stats.Threads)
	}
	_ = tw.Flush()
}

func (p *printer) result(r client.Result) {
	if p.json {
		p.printJSON(r)
		return
	}
	line := fmt.Sprintf("%s: %s", r.Name, p.state(r.Status))
	switch {
	case r.Error != "":
		line += " - " + r.Error
	case r.Warning != "":
		line += " - warning: " + r.Warning
	}
	if r.Forced {
		line += " (forced)"
	}
	_, _ = fmt.Fprintln(p.w, line)
}

func (p *printer) aggregate(a client.AggregateResult) {
	if p.json {
		p.printJSON(a)
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATUS\tPID\tMESSAGE")
	for _, r := range a.Results {
		msg := r.Error
		if msg == "" {
			msg = r.Warning
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, p.paint(r.Status.State), pidString(r.PID), msg)
	}
	_ = tw.Flush()
	summary := fmt.Sprintf("%s: %d ok, %d failed, %d skipped in %s",
		a.Op, a.Succeeded, a.Failed, a.Skipped, a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond))
	if a.Error != "" {
		summary += " (" + a.Error + ")"
	}
	_, _ = fmt.Fprintln(p.w, summary)
}

func (p *printer) lines(ls []client.Line) {
	if p.json {
		p.printJSON(ls)
		return
	}
	for _, l := range ls {
		prefix := ""
		if l.Stream == "stderr" {
			prefix = "! "
		}
		_, _ = fmt.Fprintf(p.w, "%s %s%s\n", l.At.Format("15:04:05.000"), prefix, l.Text)
	}
}

func (p *printer) event(e client.Event) {
	if p.json {
		b, _ := json.Marshal(e)
		_, _ = fmt.Fprintln(p.w, string(b))
		return
	}
	line := fmt.Sprintf("%s %-12s %s -> %s", e.At.Format("15:04:05.000"), e.Unit, p.paint(e.Old.State), p.state(e.New))
	if e.Detail != "" {
		line += "  " + e.Detail
	}
	if e.Coalesced > 0 {
		line += fmt.Sprintf("  [+%d coalesced]", e.Coalesced)
	}
	_, _ = fmt.Fprintln(p.w, line)
}

func pidString(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return fmt.Sprint(pid)
}

func portsString(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	s := make([]string, len(ports))
	for i, p := range ports {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, ",")
}

func uptime(r client.ServerStatus) string {
	if r.Status.State != "running" || r.StartedAt.IsZero() {
		return "-"
	}
	return time.Since(r.StartedAt).Round(time.Second).String()
}

// toClientAggregate converts an in-process result to its wire shape so the
// foreground and remote commands print identically.
func toClientAggregate(a orchestrator.AggregateResult) client.AggregateResult {
	var out client.AggregateResult
	b, err := json.Marshal(a)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}
