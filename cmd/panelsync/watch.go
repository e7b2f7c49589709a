package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/germanamz/panelsync/pkg/httpapi"
	"github.com/germanamz/panelsync/pkg/supervisor"
	"github.com/germanamz/panelsync/pkg/telemetry"
)

const fetchTimeout = 5 * time.Second

var watchColumns = []table.Column{
	{Title: "Device", Width: nameWidth},
	{Title: "Family", Width: 10},
	{Title: "Power W", Width: 9},
	{Title: "Energy kWh", Width: 12},
	{Title: "Today kWh", Width: 10},
	{Title: "Breaker", Width: 10},
	{Title: "State", Width: 8},
}

type refreshMsg struct {
	session supervisor.Status
	devices []httpapi.Device
	err     error
	at      time.Time
}

type tickMsg time.Time

type watchModel struct {
	client   apiClient
	addr     string
	interval time.Duration

	table   table.Model
	spinner spinner.Model

	session supervisor.Status
	count   int
	err     error
	loaded  bool
	updated time.Time
}

func newWatchModel(c apiClient, addr string, interval time.Duration) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	t := table.New(
		table.WithColumns(watchColumns),
		table.WithFocused(true),
		table.WithHeight(15),
	)

	return watchModel{client: c, addr: addr, interval: interval, table: t, spinner: s}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m watchModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		st, devices, err := fetchStatus(ctx, m.client)
		return refreshMsg{session: st, devices: devices, err: err, at: time.Now()}
	}
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
	case tea.WindowSizeMsg:
		m.table.SetHeight(max(3, msg.Height-6))
		return m, nil
	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			m.loaded = true
			m.session = msg.session
			m.count = len(msg.devices)
			m.updated = msg.at
			m.table.SetRows(deviceRows(msg.devices))
		}
		return m, m.tick()
	case tickMsg:
		return m, m.fetch()
	case spinner.TickMsg:
		if m.loaded {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("panelsync") + " " + dimStyle.Render(m.addr) + "\n")

	if !m.loaded {
		b.WriteString(m.spinner.View() + " connecting...\n")
		if m.err != nil {
			b.WriteString(errorStyle.Render(m.err.Error()) + "\n")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "session %s  topics %d  reconnects %d  devices %d\n",
		stateStyle(m.session.StateName).Render(m.session.StateName),
		m.session.Topics, m.session.Reconnects, m.count)
	b.WriteString(frameStyle.Render(m.table.View()) + "\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("refresh failed: "+m.err.Error()) + "\n")
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("updated %s  r refresh  q quit", m.updated.Format(time.TimeOnly))))

	return b.String()
}

func deviceRows(devices []httpapi.Device) []table.Row {
	rows := make([]table.Row, len(devices))
	for i, d := range devices {
		rows[i] = table.Row{
			displayName(d, nameWidth),
			d.Family,
			number(d, telemetry.Power, 0),
			number(d, telemetry.Energy, 3),
			number(d, telemetry.Energy.Daily(), 3),
			text(d, telemetry.BreakerState),
			freshness(d),
		}
	}
	return rows
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8650", "HTTP API of a running instance")
	interval := fs.Duration("interval", 2*time.Second, "refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p := tea.NewProgram(newWatchModel(newAPIClient(*addr), *addr, *interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
