package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/protocol"
)

var testAddr = protocol.DeviceAddress{
	NetworkID: 0x3A7C19E5,
	MainUnit:  frame.Endpoint{Type: frame.TypeMainUnit, ID: 0x9C},
	Self:      frame.Endpoint{Type: frame.TypeRemoteControl, ID: 0x42},
}

func TestPairingStore(t *testing.T) {
	t.Run("NewPairingStore", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pairing.json")
		store := NewPairingStore(path)
		if store == nil {
			t.Fatal("NewPairingStore() returned nil")
		}
		if store.Path() != path {
			t.Errorf("Path() = %q, want %q", store.Path(), path)
		}
	})

	t.Run("LoadNonExistent", func(t *testing.T) {
		store := NewPairingStore(filepath.Join(t.TempDir(), "nonexistent.json"))

		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got != nil {
			t.Errorf("Load() = %v, want nil for non-existent file", got)
		}

		addr, err := store.LoadAddress()
		if err != nil || addr != nil {
			t.Errorf("LoadAddress() = %v, %v, want nil, nil", addr, err)
		}
	})

	t.Run("AddressRoundTrip", func(t *testing.T) {
		store := NewPairingStore(filepath.Join(t.TempDir(), "sub", "pairing.json"))

		if err := store.SaveAddress(testAddr); err != nil {
			t.Fatalf("SaveAddress() error = %v", err)
		}

		got, err := store.LoadAddress()
		if err != nil {
			t.Fatalf("LoadAddress() error = %v", err)
		}
		if got == nil || *got != testAddr {
			t.Errorf("LoadAddress() = %v, want %v", got, testAddr)
		}

		state, err := store.Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if state.Version != StateVersion {
			t.Errorf("Version = %d, want %d", state.Version, StateVersion)
		}
		if state.NetworkID != "0x3A7C19E5" {
			t.Errorf("NetworkID = %q", state.NetworkID)
		}
		if state.MainUnit != "MAIN_UNIT/0x9C" {
			t.Errorf("MainUnit = %q", state.MainUnit)
		}
		if state.SavedAt.IsZero() || state.PairedAt.IsZero() {
			t.Error("timestamps not set")
		}
	})

	t.Run("SaveKeepsExplicitSavedAt", func(t *testing.T) {
		store := NewPairingStore(filepath.Join(t.TempDir(), "pairing.json"))
		at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

		state := NewPairingState(testAddr, at)
		state.SavedAt = at
		if err := store.Save(state); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if !got.SavedAt.Equal(at) || !got.PairedAt.Equal(at) {
			t.Errorf("SavedAt/PairedAt = %v/%v, want %v", got.SavedAt, got.PairedAt, at)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pairing.json")
		store := NewPairingStore(path)

		if err := store.SaveAddress(testAddr); err != nil {
			t.Fatalf("SaveAddress() error = %v", err)
		}
		if err := store.Clear(); err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("file still exists after Clear()")
		}
		if err := store.Clear(); err != nil {
			t.Errorf("Clear() on missing file error = %v", err)
		}
	})

	t.Run("CorruptFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pairing.json")
		if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := NewPairingStore(path).Load(); err == nil {
			t.Error("Load() accepted corrupt JSON")
		}
	})

	t.Run("BadAddress", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pairing.json")
		if err := os.WriteFile(path, []byte(`{"version":1,"address":"zz"}`), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := NewPairingStore(path).LoadAddress()
		if !errors.Is(err, protocol.ErrInvalidAddr) {
			t.Errorf("LoadAddress() error = %v, want ErrInvalidAddr", err)
		}
	})

	t.Run("NewerVersion", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pairing.json")
		if err := os.WriteFile(path, []byte(`{"version":99}`), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := NewPairingStore(path).Load()
		if !errors.Is(err, ErrUnsupportedVersion) {
			t.Errorf("Load() error = %v, want ErrUnsupportedVersion", err)
		}
	})
}
