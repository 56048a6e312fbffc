package persistence

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/protocol"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// ErrUnsupportedVersion is returned for files written by a newer release.
var ErrUnsupportedVersion = errors.New("unsupported state file version")

// PairingState is the persisted pairing.
type PairingState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// Address is the hex encoded device address.
	Address string `json:"address"`

	// PairedAt is when the pairing was made.
	PairedAt time.Time `json:"paired_at,omitempty"`

	// Informational copies of the address fields.
	NetworkID string `json:"network_id,omitempty"`
	MainUnit  string `json:"main_unit,omitempty"`
	Self      string `json:"self,omitempty"`
}

// DeviceAddress decodes the stored address.
func (s *PairingState) DeviceAddress() (protocol.DeviceAddress, error) {
	b, err := hex.DecodeString(s.Address)
	if err != nil {
		return protocol.DeviceAddress{}, fmt.Errorf("%w: %w", protocol.ErrInvalidAddr, err)
	}
	return protocol.ParseDeviceAddress(b)
}

// NewPairingState builds the state for an address.
func NewPairingState(addr protocol.DeviceAddress, pairedAt time.Time) *PairingState {
	return &PairingState{
		Address:   hex.EncodeToString(addr.Bytes()),
		PairedAt:  pairedAt,
		NetworkID: fmt.Sprintf("0x%08X", addr.NetworkID),
		MainUnit:  addr.MainUnit.String(),
		Self:      addr.Self.String(),
	}
}

// PairingStore manages persistence of the pairing to a JSON file.
type PairingStore struct {
	mu   sync.Mutex
	path string
}

// NewPairingStore creates a new pairing store.
func NewPairingStore(path string) *PairingStore {
	return &PairingStore{path: path}
}

// Path returns the state file location.
func (s *PairingStore) Path() string {
	return s.path
}

// Save persists the pairing state to disk.
func (s *PairingStore) Save(state *PairingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	state.Version = StateVersion
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	// Write then rename so a crash never leaves a truncated file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load reads the pairing state from disk.
// Returns nil, nil if the file doesn't exist.
func (s *PairingStore) Load() (*PairingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &PairingState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.Version > StateVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, state.Version)
	}
	return state, nil
}

// Clear removes the state file.
func (s *PairingStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SaveAddress stores a fresh pairing.
func (s *PairingStore) SaveAddress(addr protocol.DeviceAddress) error {
	return s.Save(NewPairingState(addr, time.Now()))
}

// LoadAddress returns the stored address, or nil when there is none.
func (s *PairingStore) LoadAddress() (*protocol.DeviceAddress, error) {
	state, err := s.Load()
	if err != nil || state == nil {
		return nil, err
	}
	addr, err := state.DeviceAddress()
	if err != nil {
		return nil, err
	}
	return &addr, nil
}
