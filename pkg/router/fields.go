package router

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/telemetry"
)

type fieldDef struct {
	metric telemetry.Metric
	text   bool
}

// fieldTable maps wire field names to metrics per family. Fields not listed
// are ignored.
var fieldTable = map[catalog.Family]map[string]fieldDef{
	catalog.FamilyBreaker: {
		"power":              {metric: telemetry.Power},
		"power2":             {metric: telemetry.Power2},
		"rmsCurrent":         {metric: telemetry.Current},
		"rmsCurrent2":        {metric: telemetry.Current2},
		"rmsVoltage":         {metric: telemetry.Voltage},
		"rmsVoltage2":        {metric: telemetry.Voltage2},
		"lineFrequency":      {metric: telemetry.Frequency},
		"energyConsumption":  {metric: telemetry.Energy},
		"energyConsumption2": {metric: telemetry.Energy2},
		"energyImport":       {metric: telemetry.EnergyImport},
		"currentState":       {metric: telemetry.BreakerState, text: true},
		"connected":          {metric: telemetry.Connectivity},
	},
	catalog.FamilyClamp: {
		"activePower":        {metric: telemetry.Power},
		"activePower2":       {metric: telemetry.Power2},
		"rmsCurrent":         {metric: telemetry.Current},
		"rmsCurrent2":        {metric: telemetry.Current2},
		"energyConsumption":  {metric: telemetry.Energy},
		"energyConsumption2": {metric: telemetry.Energy2},
		"energyImport":       {metric: telemetry.EnergyImport},
		"energyImport2":      {metric: telemetry.EnergyImport2},
	},
	catalog.FamilyHubGen2: {
		"rmsVoltageA": {metric: telemetry.Voltage},
		"rmsVoltageB": {metric: telemetry.Voltage2},
		"frequencyA":  {metric: telemetry.Frequency},
		"version":     {metric: telemetry.Firmware, text: true},
		"connected":   {metric: telemetry.Connectivity},
		"bandwidth":   {metric: telemetry.Bandwidth},
	},
	catalog.FamilyHubGen1: {
		"rmsVoltage":       {metric: telemetry.Voltage},
		"rmsVoltage2":      {metric: telemetry.Voltage2},
		"packageVer":       {metric: telemetry.Firmware, text: true},
		"online":           {metric: telemetry.Connectivity},
		"bandwidthEnabled": {metric: telemetry.Bandwidth},
	},
}

// childKeys are the nested arrays a hub payload may carry.
var childKeys = []string{
	catalog.FamilyBreaker.Model(),
	catalog.FamilyClamp.Model(),
}

// parseNumber accepts JSON numbers, numeric strings and booleans.
func parseNumber(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = n
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}

	return f, true
}

// parseText accepts strings and renders numbers and booleans.
func parseText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}
