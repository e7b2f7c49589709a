package router

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/transport"
)

// DefaultSplitThreshold is the first energy monitor hub firmware that stopped
// nesting breaker updates in hub notifications. Hubs at or above it need one
// subscription per breaker.
var DefaultSplitThreshold = catalog.MustParseVersion("2.0.0")

// NeedsBreakerTopics reports whether a hub-gen-2 entry must subscribe to its
// breakers individually. Unknown or unparseable firmware is treated as newest.
func NeedsBreakerTopics(e catalog.Entry, threshold catalog.Version) bool {
	if e.Family != catalog.FamilyHubGen2 {
		return false
	}

	v, err := catalog.ParseVersion(e.Firmware)
	if err != nil {
		return true
	}

	return v.Compare(threshold) >= 0
}

// TopicsFor is the single subscription policy: it returns the topics entry
// contributes. Breakers and clamps contribute nothing on their own; their hub
// decides whether they are covered by its topic.
func TopicsFor(e catalog.Entry, cat *catalog.Catalog, threshold catalog.Version) []transport.Topic {
	switch e.Family {
	case catalog.FamilyHubGen1:
		return []transport.Topic{{Model: e.Family.Model(), ID: e.ID}}
	case catalog.FamilyHubGen2:
		topics := []transport.Topic{{Model: e.Family.Model(), ID: e.ID}}
		if !NeedsBreakerTopics(e, threshold) {
			return topics
		}
		for _, b := range cat.Breakers(e.ID) {
			topics = append(topics, transport.Topic{Model: b.Family.Model(), ID: b.ID})
		}
		return topics
	default:
		return nil
	}
}

// Topics returns the full subscription set of cat in catalog order.
func Topics(cat *catalog.Catalog, threshold catalog.Version) []transport.Topic {
	var out []transport.Topic
	for _, e := range cat.Entries() {
		out = append(out, TopicsFor(e, cat, threshold)...)
	}
	return out
}

// DiffTopics renders the change between two subscription sets as a unified
// diff. It returns "" when they are equal.
func DiffTopics(prev, next []transport.Topic) string {
	a, b := topicLines(prev), topicLines(next)
	if a == b {
		return ""
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "previous",
		ToFile:   "current",
		Context:  1,
	})
	if err != nil {
		return ""
	}

	return diff
}

func topicLines(ts []transport.Topic) string {
	var sb strings.Builder
	for _, t := range ts {
		sb.WriteString(t.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
