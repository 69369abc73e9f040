package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ControlFileName is the single pointer tying a snapshot to the WAL.
const ControlFileName = "CONTROL"

const controlFormatVersion = 1

// Control records which snapshot is active and the last checkpointed WAL
// sequence number. It is replaced atomically; an interrupted checkpoint
// never produces a half-written control record.
type Control struct {
	FormatVersion     int    `json:"format_version"`
	ActiveSnapshot    string `json:"active_snapshot"`
	LastCheckpointSeq uint64 `json:"last_checkpoint_seq"`
}

// LoadControl reads the control record from dir. A missing file returns
// (nil, nil): the store starts empty at sequence 0.
func LoadControl(dir string) (*Control, error) {
	data, err := os.ReadFile(filepath.Join(dir, ControlFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: read control: %w", err)
	}

	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("snapshot: decode control: %w", ErrCorrupted)
	}
	if c.FormatVersion != controlFormatVersion {
		return nil, fmt.Errorf("snapshot: unsupported control version %d: %w", c.FormatVersion, ErrCorrupted)
	}
	return &c, nil
}

// SaveControl atomically replaces the control record in dir. Only after it
// returns may WAL segments covered by LastCheckpointSeq be reclaimed.
func SaveControl(dir string, c Control) error {
	c.FormatVersion = controlFormatVersion

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode control: %w", err)
	}

	tmpPath := filepath.Join(dir, ControlFileName+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: create control temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: write control: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: sync control: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: close control: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, ControlFileName)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: publish control: %w", err)
	}
	return syncDir(dir)
}
