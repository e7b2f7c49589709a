package router

import (
	"sort"
	"sync"
)

// StreamingFlags tracks which hubs are in streaming mode. While a hub streams,
// the energy counters it pushes are period deltas. The keepalive toggler
// writes the flags; the router reads them when tagging samples.
type StreamingFlags struct {
	mu sync.RWMutex
	on map[string]bool
}

// NewStreamingFlags creates an empty flag set.
func NewStreamingFlags() *StreamingFlags {
	return &StreamingFlags{on: make(map[string]bool)}
}

// Set records the flag of hubID.
func (f *StreamingFlags) Set(hubID string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if on {
		f.on[hubID] = true
	} else {
		delete(f.on, hubID)
	}
}

// Active reports whether hubID is streaming.
func (f *StreamingFlags) Active(hubID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.on[hubID]
}

// Hubs returns the streaming hubs, sorted.
func (f *StreamingFlags) Hubs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.on))
	for id := range f.on {
		out = append(out, id)
	}
	sort.Strings(out)

	return out
}

// Retain drops flags of hubs not in ids.
func (f *StreamingFlags) Retain(ids []string) {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for id := range f.on {
		if _, ok := keep[id]; !ok {
			delete(f.on, id)
		}
	}
}
