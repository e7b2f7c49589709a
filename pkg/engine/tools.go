package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/germanamz/panelsync/pkg/telemetry"
	"github.com/germanamz/panelsync/pkg/tools/toolbox"
)

type deviceInput struct {
	ID string `json:"id"`
}

type energyInput struct {
	ID     string `json:"id"`
	Metric string `json:"metric"`
}

type deviceSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Family   string `json:"family"`
	Hub      string `json:"hub,omitempty"`
	Firmware string `json:"firmware,omitempty"`
	Stale    bool   `json:"stale"`
	HasState bool   `json:"has_state"`
}

const (
	deviceSchema = `{"type":"object","properties":{"id":{"type":"string","description":"Device id"}},"required":["id"]}`
	energySchema = `{"type":"object","properties":{"id":{"type":"string","description":"Device id"},"metric":{"type":"string","description":"Energy metric: energy, energy_2, energy_import or energy_import_2 (default energy)"}},"required":["id"]}`
)

// Tools returns the panel tools: device listing, state and energy reads and
// push session status.
func (e *Engine) Tools() *toolbox.ToolBox {
	tb := toolbox.New()
	tb.Register(
		toolbox.Tool{
			Name:        "panel_list_devices",
			Description: "List every device in the catalog with its family, hub and staleness.",
			InputSchema: json.RawMessage(`{"type":"object"}`),
			Handler:     e.listDevicesTool,
		},
		toolbox.Tool{
			Name:        "panel_get_state",
			Description: "Get the latest known fields of one device.",
			InputSchema: json.RawMessage(deviceSchema),
			Handler:     e.getStateTool,
		},
		toolbox.Tool{
			Name:        "panel_lifetime_energy",
			Description: "Get the lifetime energy (kWh) of one device. The value never decreases.",
			InputSchema: json.RawMessage(energySchema),
			Handler: func(_ context.Context, input json.RawMessage) (string, error) {
				return e.energyTool(input, e.LifetimeEnergy)
			},
		},
		toolbox.Tool{
			Name:        "panel_daily_energy",
			Description: "Get the energy (kWh) one device used since local midnight.",
			InputSchema: json.RawMessage(energySchema),
			Handler: func(_ context.Context, input json.RawMessage) (string, error) {
				return e.energyTool(input, e.DailyEnergy)
			},
		},
		toolbox.Tool{
			Name:        "panel_session_status",
			Description: "Get the status of the push session.",
			InputSchema: json.RawMessage(`{"type":"object"}`),
			Handler: func(context.Context, json.RawMessage) (string, error) {
				return toolbox.JSON(e.Session())
			},
		},
	)

	return tb
}

func (e *Engine) listDevicesTool(context.Context, json.RawMessage) (string, error) {
	entries := e.Catalog().Entries()
	out := make([]deviceSummary, 0, len(entries))

	for _, en := range entries {
		s := deviceSummary{
			ID:       en.ID,
			Name:     en.Name,
			Family:   string(en.Family),
			Hub:      en.Hub,
			Firmware: en.Firmware,
		}
		if snap, ok := e.State(en.ID); ok {
			s.HasState = true
			s.Stale = snap.Stale
		}
		out = append(out, s)
	}

	return toolbox.JSON(out)
}

func (e *Engine) getStateTool(_ context.Context, input json.RawMessage) (string, error) {
	in, err := toolbox.Decode[deviceInput](input)
	if err != nil {
		return "", err
	}
	if in.ID == "" {
		return "", errors.New("id is required")
	}

	snap, ok := e.State(in.ID)
	if !ok {
		return "", fmt.Errorf("no state for device %q", in.ID)
	}

	return toolbox.JSON(map[string]any{
		"id":         snap.DeviceID,
		"stale":      snap.Stale,
		"updated_at": snap.UpdatedAt,
		"values":     snap.Values(),
	})
}

func (e *Engine) energyTool(input json.RawMessage, read func(string, telemetry.Metric) (float64, bool)) (string, error) {
	in, err := toolbox.Decode[energyInput](input)
	if err != nil {
		return "", err
	}
	if in.ID == "" {
		return "", errors.New("id is required")
	}

	m := telemetry.Energy
	if in.Metric != "" {
		m = telemetry.Metric(in.Metric)
	}
	if !m.IsEnergy() {
		return "", fmt.Errorf("%q is not an energy metric", m)
	}

	v, ok := read(in.ID, m)
	if !ok {
		return "", fmt.Errorf("no %s reading for device %q", m, in.ID)
	}

	return toolbox.JSON(map[string]any{"id": in.ID, "metric": m, "kwh": v})
}
