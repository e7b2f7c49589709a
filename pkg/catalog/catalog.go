// Package catalog describes the devices the engine mirrors: hubs of two
// generations, the breakers attached to them and the current clamps of the
// newer hub generation. A Catalog is immutable; a refresh replaces it.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Family is the device family tag.
type Family string

const (
	// FamilyHubGen1 is the older data-access panel. Its single panel topic
	// delivers the hub and every child breaker on all firmware versions.
	FamilyHubGen1 Family = "hub-gen-1"
	// FamilyHubGen2 is the energy monitor hub with current clamps.
	FamilyHubGen2 Family = "hub-gen-2"
	FamilyBreaker Family = "breaker"
	FamilyClamp   Family = "clamp"
)

// ErrUnknownFamily is returned when an entry carries an unrecognized family.
var ErrUnknownFamily = errors.New("catalog: unknown family")

// IsHub reports whether f is one of the hub families.
func (f Family) IsHub() bool { return f == FamilyHubGen1 || f == FamilyHubGen2 }

// Model returns the wire model name used by the cloud service for f.
func (f Family) Model() string {
	switch f {
	case FamilyHubGen1:
		return "ResidentialBreakerPanel"
	case FamilyHubGen2:
		return "IotWhem"
	case FamilyBreaker:
		return "ResidentialBreaker"
	case FamilyClamp:
		return "IotCt"
	default:
		return ""
	}
}

// FamilyForModel maps a wire model name back to its family.
func FamilyForModel(model string) (Family, bool) {
	switch model {
	case "ResidentialBreakerPanel":
		return FamilyHubGen1, true
	case "IotWhem":
		return FamilyHubGen2, true
	case "ResidentialBreaker":
		return FamilyBreaker, true
	case "IotCt":
		return FamilyClamp, true
	default:
		return "", false
	}
}

// Entry identifies one physical unit.
type Entry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name,omitempty"`
	Family   Family `yaml:"family"`
	Firmware string `yaml:"firmware,omitempty"`
	Hub      string `yaml:"hub,omitempty"` // parent hub for breakers and clamps
	Poles    int    `yaml:"poles,omitempty"`
	Position int    `yaml:"position,omitempty"`
	Leg      string `yaml:"leg,omitempty"` // "1", "2" or "both"
}

// LegOf returns the leg a breaker sits on. Two-pole breakers span both legs.
// Without a configured leg, split-phase slots alternate in pairs: positions
// 1-2 are on leg 1, 3-4 on leg 2, 5-6 on leg 1 and so on.
func (e Entry) LegOf() string {
	if e.Leg != "" {
		return e.Leg
	}
	if e.Poles == 2 {
		return "both"
	}
	if e.Position > 0 && ((e.Position-1)/2)%2 == 1 {
		return "2"
	}
	return "1"
}

// Catalog is an ordered, immutable set of entries with an id index.
type Catalog struct {
	entries []Entry
	byID    map[string]int
}

// New builds a catalog. Entries keep their order; a duplicated id or an
// unknown family is an error.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{
		entries: make([]Entry, 0, len(entries)),
		byID:    make(map[string]int, len(entries)),
	}

	for _, e := range entries {
		if e.ID == "" {
			return nil, errors.New("catalog: entry id is required")
		}
		switch e.Family {
		case FamilyHubGen1, FamilyHubGen2, FamilyBreaker, FamilyClamp:
		default:
			return nil, fmt.Errorf("%w %q for entry %q", ErrUnknownFamily, e.Family, e.ID)
		}
		if _, dup := c.byID[e.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate entry id %q", e.ID)
		}
		if e.Poles == 0 {
			e.Poles = 1
		}
		c.byID[e.ID] = len(c.entries)
		c.entries = append(c.entries, e)
	}

	return c, nil
}

// Empty returns a catalog with no entries.
func Empty() *Catalog {
	c, _ := New()
	return c
}

// Entries returns a copy of all entries in catalog order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Lookup returns the entry with the given id.
func (c *Catalog) Lookup(id string) (Entry, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// IDs returns every entry id in catalog order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.entries))
	for i, e := range c.entries {
		ids[i] = e.ID
	}
	return ids
}

// Hubs returns the hub entries in catalog order.
func (c *Catalog) Hubs() []Entry {
	return c.filter(func(e Entry) bool { return e.Family.IsHub() })
}

// Breakers returns the breakers attached to hubID in catalog order.
func (c *Catalog) Breakers(hubID string) []Entry {
	return c.filter(func(e Entry) bool { return e.Family == FamilyBreaker && e.Hub == hubID })
}

// Clamps returns the clamps attached to hubID in catalog order.
func (c *Catalog) Clamps(hubID string) []Entry {
	return c.filter(func(e Entry) bool { return e.Family == FamilyClamp && e.Hub == hubID })
}

// HubOf returns the hub that owns id. A hub owns itself.
func (c *Catalog) HubOf(id string) (Entry, bool) {
	e, ok := c.Lookup(id)
	if !ok {
		return Entry{}, false
	}
	if e.Family.IsHub() {
		return e, true
	}
	return c.Lookup(e.Hub)
}

func (c *Catalog) filter(keep func(Entry) bool) []Entry {
	var out []Entry
	for _, e := range c.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Removed returns the ids present in prev but absent from c.
func (c *Catalog) Removed(prev *Catalog) []string {
	if prev == nil {
		return nil
	}
	var out []string
	for _, e := range prev.entries {
		if _, ok := c.byID[e.ID]; !ok {
			out = append(out, e.ID)
		}
	}
	return out
}

// file is the YAML layout of a catalog file.
type file struct {
	Devices []Entry `yaml:"devices"`
}

// LoadFile reads a YAML catalog file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration
	if err != nil {
		return nil, fmt.Errorf("catalog: load: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}

	return New(f.Devices...)
}

// Version is a parsed dotted firmware version.
type Version []int

// ParseVersion parses "2.0.13" style versions. Non-numeric components are an
// error.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("catalog: empty version")
	}

	parts := strings.Split(s, ".")
	v := make(Version, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("catalog: version %q: %w", s, err)
		}
		v[i] = n
	}

	return v, nil
}

// MustParseVersion is ParseVersion for constants.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or 1. Missing trailing components count as zero.
func (v Version) Compare(o Version) int {
	n := max(len(v), len(o))
	for i := range n {
		var a, b int
		if i < len(v) {
			a = v[i]
		}
		if i < len(o) {
			b = o[i]
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}
