package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"gopkg.in/yaml.v3"

	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/engine"
	"github.com/germanamz/panelsync/pkg/syncdir"
)

// wizardConfig is the subset of the configuration the wizard asks for.
type wizardConfig struct {
	Cloud   engine.CloudConfig  `yaml:"cloud"`
	Timings *wizardTimings      `yaml:"timings,omitempty"`
	Energy  *wizardEnergy       `yaml:"energy,omitempty"`
	HTTP    *engine.HTTPConfig  `yaml:"http,omitempty"`
	MQTT    *engine.MQTTConfig  `yaml:"mqtt,omitempty"`
	Kafka   *engine.KafkaConfig `yaml:"kafka,omitempty"`
}

type wizardTimings struct {
	PollInterval string `yaml:"poll_interval"`
}

type wizardEnergy struct {
	Timezone string `yaml:"timezone"`
}

// wizardHub is one hub and the breakers entered for it.
type wizardHub struct {
	ID       string
	Name     string
	Family   string
	Firmware string
	Breakers string // comma-separated ids
	Clamps   string // comma-separated ids, hub-gen-2 only
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("dir", syncdir.DefaultName, "path to .panelsync directory")
	force := fs.Bool("force", false, "overwrite existing config and catalog")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := wizardCloud()
	if err != nil {
		return err
	}
	if err := wizardOutputs(&cfg); err != nil {
		return err
	}

	hubs, err := wizardHubs()
	if err != nil {
		return err
	}

	configYAML, err := marshalWizardConfig(cfg)
	if err != nil {
		return err
	}
	catalogYAML, err := marshalCatalog(hubs)
	if err != nil {
		return err
	}

	d := syncdir.New(*dir)
	if err := syncdir.Bootstrap(d, configYAML, catalogYAML, *force); err != nil {
		return err
	}

	fmt.Printf("Initialized %s\n", d.Root())
	fmt.Printf("Put the cloud token in %s as PANELSYNC_TOKEN=...\n", d.EnvPath())

	return nil
}

func wizardCloud() (wizardConfig, error) {
	cfg := wizardConfig{
		Cloud: engine.CloudConfig{Token: "${PANELSYNC_TOKEN}"},
	}
	poll := "10m"
	tz := ""

	err := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Cloud API base URL").Value(&cfg.Cloud.BaseURL).Validate(validateURL),
		huh.NewInput().Title("Push socket URL (empty = derived from base URL)").Value(&cfg.Cloud.SocketURL).Validate(validateOptionalURL),
		huh.NewInput().Title("Token (env var reference)").Value(&cfg.Cloud.Token),
		huh.NewInput().Title("Poll interval").Value(&poll).Validate(validateDuration),
		huh.NewInput().Title("Timezone for daily energy (empty = local)").Value(&tz).Validate(validateTimezone),
	)).Run()
	if err != nil {
		return cfg, err
	}

	if poll != "10m" {
		cfg.Timings = &wizardTimings{PollInterval: poll}
	}
	if tz != "" {
		cfg.Energy = &wizardEnergy{Timezone: tz}
	}

	return cfg, nil
}

func wizardOutputs(cfg *wizardConfig) error {
	var outputs []string
	if err := huh.NewForm(huh.NewGroup(
		huh.NewMultiSelect[string]().
			Title("Outputs").
			Options(
				huh.NewOption("HTTP read API", "http").Selected(true),
				huh.NewOption("MQTT state topics", "mqtt"),
				huh.NewOption("Kafka energy stream", "kafka"),
			).
			Value(&outputs),
	)).Run(); err != nil {
		return err
	}

	for _, o := range outputs {
		switch o {
		case "http":
			cfg.HTTP = &engine.HTTPConfig{Listen: "127.0.0.1:8650"}
			if err := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("HTTP listen address").Value(&cfg.HTTP.Listen),
			)).Run(); err != nil {
				return err
			}
		case "mqtt":
			cfg.MQTT = &engine.MQTTConfig{Broker: "tcp://localhost:1883", TopicPrefix: "panelsync"}
			qos := "0"
			if err := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("MQTT broker").Value(&cfg.MQTT.Broker).Validate(validateURL),
				huh.NewInput().Title("Topic prefix").Value(&cfg.MQTT.TopicPrefix),
				huh.NewInput().Title("QoS (0-2)").Value(&qos).Validate(validateQoS),
			)).Run(); err != nil {
				return err
			}
			cfg.MQTT.QoS, _ = strconv.Atoi(qos)
		case "kafka":
			brokers := "localhost:9092"
			cfg.Kafka = &engine.KafkaConfig{Topic: "panel-energy"}
			if err := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("Kafka brokers (comma-separated)").Value(&brokers).Validate(validateNonEmpty),
				huh.NewInput().Title("Topic").Value(&cfg.Kafka.Topic).Validate(validateNonEmpty),
			)).Run(); err != nil {
				return err
			}
			cfg.Kafka.Brokers = splitList(brokers)
		}
	}

	return nil
}

func wizardHubs() ([]wizardHub, error) {
	var hubs []wizardHub
	for {
		h := wizardHub{Family: string(catalog.FamilyHubGen2)}
		if err := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("Hub id").Value(&h.ID).Validate(validateNonEmpty),
			huh.NewInput().Title("Name").Value(&h.Name),
			huh.NewSelect[string]().
				Title("Hub family").
				Options(
					huh.NewOption("Energy monitor (hub-gen-2)", string(catalog.FamilyHubGen2)),
					huh.NewOption("Breaker panel (hub-gen-1)", string(catalog.FamilyHubGen1)),
				).
				Value(&h.Family),
			huh.NewInput().Title("Firmware (empty = unknown)").Value(&h.Firmware),
			huh.NewInput().Title("Breaker ids (comma-separated)").Value(&h.Breakers),
		)).Run(); err != nil {
			return nil, err
		}

		if h.Family == string(catalog.FamilyHubGen2) {
			if err := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("Clamp ids (comma-separated)").Value(&h.Clamps),
			)).Run(); err != nil {
				return nil, err
			}
		}

		hubs = append(hubs, h)

		var more bool
		if err := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().Title("Add another hub?").Value(&more),
		)).Run(); err != nil {
			return nil, err
		}
		if !more {
			return hubs, nil
		}
	}
}

func marshalWizardConfig(cfg wizardConfig) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// catalogEntries expands the wizard hubs into catalog entries. Breaker
// positions follow the order they were entered in.
func catalogEntries(hubs []wizardHub) []catalog.Entry {
	var out []catalog.Entry
	for _, h := range hubs {
		out = append(out, catalog.Entry{
			ID:       h.ID,
			Name:     h.Name,
			Family:   catalog.Family(h.Family),
			Firmware: h.Firmware,
		})
		for i, id := range splitList(h.Breakers) {
			out = append(out, catalog.Entry{ID: id, Family: catalog.FamilyBreaker, Hub: h.ID, Position: i + 1})
		}
		for _, id := range splitList(h.Clamps) {
			out = append(out, catalog.Entry{ID: id, Family: catalog.FamilyClamp, Hub: h.ID})
		}
	}
	return out
}

func marshalCatalog(hubs []wizardHub) ([]byte, error) {
	entries := catalogEntries(hubs)
	if _, err := catalog.New(entries...); err != nil {
		return nil, err
	}

	data, err := yaml.Marshal(map[string][]catalog.Entry{"devices": entries})
	if err != nil {
		return nil, fmt.Errorf("marshal catalog: %w", err)
	}
	return data, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateNonEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}

func validateURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return errors.New("must be an absolute URL")
	}
	return nil
}

func validateOptionalURL(s string) error {
	if s == "" {
		return nil
	}
	return validateURL(s)
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("must be positive")
	}
	return nil
}

func validateTimezone(s string) error {
	if s == "" {
		return nil
	}
	_, err := time.LoadLocation(s)
	return err
}

func validateQoS(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if n < 0 || n > 2 {
		return errors.New("must be 0, 1 or 2")
	}
	return nil
}
