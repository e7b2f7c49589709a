package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/engine"
	"github.com/germanamz/panelsync/pkg/syncdir"
)

func TestCatalogEntries(t *testing.T) {
	entries := catalogEntries([]wizardHub{
		{ID: "whem", Family: string(catalog.FamilyHubGen2), Firmware: "2.0.13", Breakers: "wb1, wb2", Clamps: "ct1"},
		{ID: "panel", Name: "Garage", Family: string(catalog.FamilyHubGen1), Breakers: "pb1"},
	})

	require.Len(t, entries, 6)
	assert.Equal(t, catalog.Entry{ID: "whem", Family: catalog.FamilyHubGen2, Firmware: "2.0.13"}, entries[0])
	assert.Equal(t, catalog.Entry{ID: "wb2", Family: catalog.FamilyBreaker, Hub: "whem", Position: 2}, entries[2])
	assert.Equal(t, catalog.Entry{ID: "ct1", Family: catalog.FamilyClamp, Hub: "whem"}, entries[3])
	assert.Equal(t, "Garage", entries[4].Name)
	assert.Equal(t, "panel", entries[5].Hub)
}

func TestMarshalCatalog_RoundTrip(t *testing.T) {
	data, err := marshalCatalog([]wizardHub{
		{ID: "whem", Family: string(catalog.FamilyHubGen2), Breakers: "wb1"},
	})
	require.NoError(t, err)

	cat, err := catalog.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"whem", "wb1"}, cat.IDs())
}

func TestMarshalCatalog_Invalid(t *testing.T) {
	_, err := marshalCatalog([]wizardHub{
		{ID: "whem", Family: string(catalog.FamilyHubGen2), Breakers: "whem"},
	})
	assert.Error(t, err, "duplicate ids are rejected")
}

func TestMarshalWizardConfig_LoadsAndValidates(t *testing.T) {
	cfg := wizardConfig{
		Cloud:   engine.CloudConfig{BaseURL: "https://cloud.example.test/api", Token: "${PANELSYNC_TOKEN}"},
		Timings: &wizardTimings{PollInterval: "5m"},
		HTTP:    &engine.HTTPConfig{Listen: "127.0.0.1:8650"},
		Kafka:   &engine.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "panel-energy"},
	}
	data, err := marshalWizardConfig(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "mqtt")

	d := syncdir.New(filepath.Join(t.TempDir(), syncdir.DefaultName))
	require.NoError(t, syncdir.Bootstrap(d, data, nil, false))

	t.Setenv("PANELSYNC_TOKEN", "secret")
	loaded, err := engine.LoadConfig(d.ConfigPath())
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())

	assert.Equal(t, "secret", loaded.Cloud.Token)
	assert.Equal(t, "5m", loaded.Timings.PollInterval)
	assert.Equal(t, "127.0.0.1:8650", loaded.HTTP.Listen)
	assert.Equal(t, "panel-energy", loaded.Kafka.Topic)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b ,"))
	assert.Nil(t, splitList(""))
}

func TestValidators(t *testing.T) {
	assert.NoError(t, validateURL("https://cloud.example.test/api"))
	assert.Error(t, validateURL("cloud.example.test"))
	assert.NoError(t, validateOptionalURL(""))
	assert.NoError(t, validateDuration("30s"))
	assert.Error(t, validateDuration("0s"))
	assert.Error(t, validateDuration("soon"))
	assert.NoError(t, validateTimezone(""))
	assert.NoError(t, validateTimezone("UTC"))
	assert.Error(t, validateTimezone("Mars/Olympus"))
	assert.NoError(t, validateQoS("2"))
	assert.Error(t, validateQoS("3"))
	assert.Error(t, validateNonEmpty("  "))
}
