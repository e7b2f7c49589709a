package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/germanamz/panelsync/pkg/httpapi"
	"github.com/germanamz/panelsync/pkg/supervisor"
	"github.com/germanamz/panelsync/pkg/telemetry"
)

const nameWidth = 22

// number formats a numeric device value, or "-" when it is absent.
func number(d httpapi.Device, m telemetry.Metric, prec int) string {
	v, ok := d.Values[string(m)].(float64)
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.*f", prec, v)
}

func text(d httpapi.Device, m telemetry.Metric) string {
	v, ok := d.Values[string(m)].(string)
	if !ok || v == "" {
		return "-"
	}
	return v
}

// displayName returns the device name, or its id, truncated to fit width
// terminal cells.
func displayName(d httpapi.Device, width int) string {
	name := d.Name
	if name == "" {
		name = d.ID
	}
	return runewidth.Truncate(name, width, "…")
}

func freshness(d httpapi.Device) string {
	switch {
	case d.UpdatedAt.IsZero():
		return "no data"
	case d.Stale:
		return "stale"
	default:
		return "ok"
	}
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}

// statusMarkdown renders a status report as markdown.
func statusMarkdown(st supervisor.Status, devices []httpapi.Device, now time.Time) string {
	var b strings.Builder

	b.WriteString("# panelsync\n\n")
	b.WriteString("| Session | |\n|---|---|\n")
	fmt.Fprintf(&b, "| State | **%s** |\n", st.StateName)
	if st.SessionID != "" {
		fmt.Fprintf(&b, "| Session | `%s` |\n", st.SessionID)
		fmt.Fprintf(&b, "| Started | %s |\n", ago(st.StartedAt, now))
		fmt.Fprintf(&b, "| Last frame | %s |\n", ago(st.LastFrame, now))
	}
	if !st.DisconnectedSince.IsZero() {
		fmt.Fprintf(&b, "| Disconnected | %s |\n", ago(st.DisconnectedSince, now))
	}
	fmt.Fprintf(&b, "| Topics | %d |\n", st.Topics)
	fmt.Fprintf(&b, "| Reconnects | %d |\n", st.Reconnects)

	fmt.Fprintf(&b, "\n## Devices (%d)\n\n", len(devices))
	if len(devices) == 0 {
		b.WriteString("_No devices in the catalog._\n")
		return b.String()
	}

	b.WriteString("| Device | Family | Power (W) | Energy (kWh) | Today (kWh) | State |\n")
	b.WriteString("|---|---|--:|--:|--:|---|\n")
	for _, d := range devices {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n",
			displayName(d, nameWidth),
			d.Family,
			number(d, telemetry.Power, 0),
			number(d, telemetry.Energy, 3),
			number(d, telemetry.Energy.Daily(), 3),
			freshness(d),
		)
	}

	return b.String()
}
