package energy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/germanamz/panelsync/pkg/telemetry"
)

// RecordState is the persisted form of one record.
type RecordState struct {
	Lifetime    float64 `json:"lifetime"`
	HighWater   float64 `json:"high_water"`
	Baseline    float64 `json:"baseline"`
	BaselineDay string  `json:"baseline_day,omitempty"`
}

// State maps "device/metric" keys to record states.
type State map[string]RecordState

// Snapshot captures every record that holds at least one sample.
func (r *Reconciler) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(State, len(r.records))
	for k, rec := range r.records {
		rec.mu.Lock()
		if rec.seen {
			out[k.String()] = RecordState{
				Lifetime:    rec.lifetime,
				HighWater:   rec.highWater,
				Baseline:    rec.baseline,
				BaselineDay: rec.baselineDay,
			}
		}
		rec.mu.Unlock()
	}

	return out
}

// Restore seeds records from a snapshot. Existing records with the same key
// are replaced. A baseline taken on another day than today is dropped so the
// daily value restarts at the next sample.
func (r *Reconciler) Restore(st State) int {
	today := r.day(r.nowFunc())
	n := 0

	for raw, rs := range st {
		k, ok := parseKey(raw)
		if !ok {
			r.log.Warn("energy: skipping malformed persisted key", "key", raw)
			continue
		}

		rec := r.record(k, true)
		rec.mu.Lock()
		rec.seen = true
		rec.lifetime = rs.Lifetime
		rec.highWater = max(rs.HighWater, rs.Lifetime)
		if rs.BaselineDay == today {
			rec.baseline = rs.Baseline
			rec.baselineDay = rs.BaselineDay
		} else {
			rec.baseline = 0
			rec.baselineDay = ""
		}
		rec.mu.Unlock()
		n++
	}

	return n
}

func parseKey(raw string) (Key, bool) {
	i := strings.LastIndexByte(raw, '/')
	if i <= 0 || i == len(raw)-1 {
		return Key{}, false
	}

	m := telemetry.Metric(raw[i+1:])
	if !m.IsEnergy() {
		return Key{}, false
	}

	return Key{DeviceID: raw[:i], Metric: m}, true
}

// FileStore persists reconciler state to a JSON file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// fileFormat is the JSON structure written to disk.
type fileFormat struct {
	Version int   `json:"version"`
	Records State `json:"records"`
}

const fileVersion = 1

// NewFileStore creates a FileStore backed by path. No I/O is performed.
func NewFileStore(path string) *FileStore {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return &FileStore{path: abs}
}

// Path returns the absolute path of the backing file.
func (s *FileStore) Path() string { return s.path }

// Load reads the persisted state. A missing or empty file yields an empty
// state.
func (s *FileStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}

		return nil, fmt.Errorf("energy: read state: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return State{}, nil
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("energy: parse state: %w", err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("energy: unsupported state version %d", f.Version)
	}
	if f.Records == nil {
		f.Records = State{}
	}

	return f.Records, nil
}

// Save writes st atomically (temp file + rename).
func (s *FileStore) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("energy: create state dir: %w", err)
	}

	data, err := json.MarshalIndent(fileFormat{Version: fileVersion, Records: st}, "", "  ")
	if err != nil {
		return fmt.Errorf("energy: marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".energy-*.tmp")
	if err != nil {
		return fmt.Errorf("energy: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("energy: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("energy: close state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("energy: replace state: %w", err)
	}

	return nil
}

// SortedKeys returns the keys of st in lexical order.
func (st State) SortedKeys() []string {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
