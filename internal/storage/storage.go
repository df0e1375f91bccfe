package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_wheel/internal/models"
)

// WheelData is the persisted form of the wheel state machine. OpenOptions maps
// each short option symbol seen at the last reconciliation to its contract count.
type WheelData struct {
	LastUpdated time.Time           `json:"last_updated"`
	OpenOptions map[string]int      `json:"open_options,omitempty"`
	States      []models.WheelState `json:"states"`
	Cycles      []models.WheelCycle `json:"cycles"`
}

// WheelStore keeps wheel states and completed cycles in a local JSON file.
type WheelStore struct {
	mu       sync.RWMutex
	filepath string
	data     *WheelData
	now      func() time.Time
}

// NewWheelStore opens path, loading existing data when the file exists.
func NewWheelStore(path string) (*WheelStore, error) {
	s := &WheelStore{
		filepath: path,
		data:     &WheelData{},
		now:      time.Now,
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading wheel state: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checking wheel state file: %w", err)
	}
	return s, nil
}

// Load re-reads the file.
func (s *WheelStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	var data WheelData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decoding %s: %w", s.filepath, err)
	}
	s.data = &data
	return nil
}

// Machine rebuilds a state machine from the loaded data.
func (s *WheelStore) Machine() *models.WheelStateMachine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.RestoreWheelStateMachine(s.data.States, s.data.Cycles)
}

// Snapshot returns a copy of the persisted data.
func (s *WheelStore) Snapshot() WheelData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return WheelData{
		LastUpdated: s.data.LastUpdated,
		OpenOptions: maps.Clone(s.data.OpenOptions),
		States:      append([]models.WheelState(nil), s.data.States...),
		Cycles:      append([]models.WheelCycle(nil), s.data.Cycles...),
	}
}

// SaveMachine persists the machine's current states and cycles together with
// the short options they were reconciled against.
func (s *WheelStore) SaveMachine(m *models.WheelStateMachine, openOptions map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := &WheelData{
		LastUpdated: s.now().UTC(),
		OpenOptions: maps.Clone(openOptions),
		States:      m.States(),
		Cycles:      m.Cycles(),
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding wheel state: %w", err)
	}

	if dir := filepath.Dir(s.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating wheel state directory: %w", err)
		}
	}

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return fmt.Errorf("writing wheel state: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpFile, s.filepath); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("renaming wheel state: %w", err)
	}
	s.data = data
	return nil
}
