package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Formatter outputs data in various formats.
type Formatter struct {
	w      io.Writer
	asJSON bool
	now    func() time.Time
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON, now: time.Now}
}

const serviceRow = "%-32s  %-12s  %-10s  %-11s  %-12s  %s\n"

// FormatServices outputs supervised services as a table.
func (f *Formatter) FormatServices(services []ServiceStatus) error {
	if f.asJSON {
		if services == nil {
			services = []ServiceStatus{}
		}
		return json.NewEncoder(f.w).Encode(services)
	}

	if len(services) == 0 {
		fmt.Fprintln(f.w, "No supervised services")
		return nil
	}

	fmt.Fprintf(f.w, serviceRow, "NAME", "STATE", "PEER", "POLICY", "RESTART", "SINCE")
	fmt.Fprintf(f.w, serviceRow, "--------------------------------", "------------", "----------", "-----------", "------------", "-----")

	for _, s := range services {
		fmt.Fprintf(f.w, serviceRow,
			truncate(s.Name, 32),
			truncate(s.State, 12),
			truncate(orDash(s.Peer), 10),
			truncate(s.Policy, 11),
			formatRestart(s),
			f.formatAgo(s.Since))
	}
	return nil
}

const eventRow = "%-20s  %-16s  %-32s  %s\n"

// FormatHistory outputs events as a table.
func (f *Formatter) FormatHistory(events []Event) error {
	if f.asJSON {
		if events == nil {
			events = []Event{}
		}
		return json.NewEncoder(f.w).Encode(events)
	}

	if len(events) == 0 {
		fmt.Fprintln(f.w, "No events")
		return nil
	}

	fmt.Fprintf(f.w, eventRow, "TIME", "EVENT", "SERVICE", "ID")
	fmt.Fprintf(f.w, eventRow, "--------------------", "----------------", "--------------------------------", "--------")
	for _, ev := range events {
		fmt.Fprintf(f.w, eventRow,
			ev.Time.Local().Format(time.DateTime),
			ev.Type,
			truncate(ev.Service, 32),
			truncate(ev.ID, 8))
	}
	return nil
}

// FormatMessage outputs one message of the live stream.
func (f *Formatter) FormatMessage(msg Message) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(msg)
	}
	switch {
	case msg.Event != nil:
		ev := msg.Event
		fmt.Fprintf(f.w, "%s  %-16s  %s\n", ev.Time.Local().Format(time.TimeOnly), ev.Type, ev.Service)
		return nil
	default:
		return f.FormatServices(msg.Services)
	}
}

func formatRestart(s ServiceStatus) string {
	switch {
	case !s.RestartPending:
		return "-"
	case s.RestartDelay == 0:
		return "now"
	default:
		return "in " + s.RestartDelay.String()
	}
}

func (f *Formatter) formatAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	ago := f.now().Sub(t).Round(time.Second)
	if ago <= 0 {
		return "just now"
	}
	return ago.String() + " ago"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}
