// Package snapshot persists point-in-time copies of the store and the
// control record that ties the active snapshot to the WAL. Snapshot files
// are written to a temporary path, fsynced, then renamed into place, so a
// crash mid-checkpoint leaves at most a stray temporary file and the
// previous snapshot stays authoritative.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/keelkv/keelkv/internal/store"
)

const (
	fileSuffix = ".snap"
	tmpSuffix  = ".snap.tmp"

	formatVersion  = uint16(1)
	flagCompressed = uint16(1)

	// Length sanity caps applied before allocating on load.
	maxKeyLen   = 1 << 20
	maxValueLen = 1 << 30
)

var magic = [4]byte{'K', 'K', 'S', '1'}

// ErrCorrupted indicates an unreadable snapshot file. Unlike a torn WAL
// tail, snapshot corruption is always fatal: the extent of loss is unknown.
var ErrCorrupted = errors.New("snapshot: corrupted snapshot file")

// Snapshot is the decoded form of a snapshot file. LastAppliedSeq is the
// reclaimable WAL horizon: every record with a sequence number at or below
// it is reflected in Entries.
type Snapshot struct {
	LastAppliedSeq uint64
	Entries        map[string]store.Entry
}

// Manager handles snapshot files in a directory on disk.
type Manager struct {
	dir string
}

// NewManager creates a Manager rooted at dir. Stray temporary files from an
// interrupted checkpoint are removed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), tmpSuffix) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}

	return &Manager{dir: dir}, nil
}

// Create serialises the shard copies to a new snapshot file tagged with
// lastAppliedSeq and returns its ID. The file is durable (written, fsynced,
// renamed, directory fsynced) before Create returns.
func (m *Manager) Create(lastAppliedSeq uint64, shards []map[string]store.Entry) (string, error) {
	id := fmt.Sprintf("snap-%016x-%d", lastAppliedSeq, time.Now().UnixMilli())
	tmpPath := filepath.Join(m.dir, id+tmpSuffix)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("snapshot: create temp file: %w", err)
	}

	if err := writeSnapshot(f, lastAppliedSeq, shards); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("snapshot: close: %w", err)
	}

	finalPath := filepath.Join(m.dir, id+fileSuffix)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("snapshot: publish: %w", err)
	}
	if err := syncDir(m.dir); err != nil {
		return "", err
	}
	return id, nil
}

func writeSnapshot(w io.Writer, lastAppliedSeq uint64, shards []map[string]store.Entry) error {
	header := make([]byte, 16)
	copy(header[0:4], magic[:])
	binary.LittleEndian.PutUint16(header[4:6], formatVersion)
	binary.LittleEndian.PutUint16(header[6:8], flagCompressed)
	binary.LittleEndian.PutUint64(header[8:16], lastAppliedSeq)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("snapshot: write header: %w", err)
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("snapshot: create compressor: %w", err)
	}

	var scratch [36]byte
	for _, entries := range shards {
		for key, e := range entries {
			binary.LittleEndian.PutUint32(scratch[0:4], uint32(len(key)))
			if _, err := enc.Write(scratch[:4]); err != nil {
				return fmt.Errorf("snapshot: write entry: %w", err)
			}
			if _, err := io.WriteString(enc, key); err != nil {
				return fmt.Errorf("snapshot: write entry: %w", err)
			}
			binary.LittleEndian.PutUint64(scratch[0:8], e.Version)
			binary.LittleEndian.PutUint64(scratch[8:16], e.Seq)
			binary.LittleEndian.PutUint64(scratch[16:24], uint64(e.CreatedAt))
			binary.LittleEndian.PutUint64(scratch[24:32], uint64(e.ExpiresAt))
			binary.LittleEndian.PutUint32(scratch[32:36], uint32(len(e.Value)))
			if _, err := enc.Write(scratch[:36]); err != nil {
				return fmt.Errorf("snapshot: write entry: %w", err)
			}
			if _, err := enc.Write(e.Value); err != nil {
				return fmt.Errorf("snapshot: write entry: %w", err)
			}
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("snapshot: flush compressor: %w", err)
	}
	return nil
}

// Load reads and decodes a snapshot by ID. Any decode failure is fatal
// corruption; there is no tolerated tail in a snapshot.
func (m *Manager) Load(id string) (*Snapshot, error) {
	f, err := os.Open(filepath.Join(m.dir, id+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", id, err)
	}
	defer f.Close()

	header := make([]byte, 16)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("snapshot: read header of %s: %w", id, ErrCorrupted)
	}
	if [4]byte(header[0:4]) != magic {
		return nil, fmt.Errorf("snapshot: bad magic in %s: %w", id, ErrCorrupted)
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != formatVersion {
		return nil, fmt.Errorf("snapshot: unsupported format version %d in %s: %w", v, id, ErrCorrupted)
	}
	flags := binary.LittleEndian.Uint16(header[6:8])
	lastAppliedSeq := binary.LittleEndian.Uint64(header[8:16])

	var r io.Reader = f
	if flags&flagCompressed != 0 {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("snapshot: create decompressor: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	entries, err := readEntries(r)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", id, err)
	}
	return &Snapshot{LastAppliedSeq: lastAppliedSeq, Entries: entries}, nil
}

func readEntries(r io.Reader) (map[string]store.Entry, error) {
	entries := make(map[string]store.Entry)
	var scratch [36]byte

	for {
		if _, err := io.ReadFull(r, scratch[:4]); err != nil {
			if err == io.EOF {
				return entries, nil
			}
			return nil, ErrCorrupted
		}
		keyLen := binary.LittleEndian.Uint32(scratch[:4])
		if keyLen > maxKeyLen {
			return nil, ErrCorrupted
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, ErrCorrupted
		}
		if _, err := io.ReadFull(r, scratch[:36]); err != nil {
			return nil, ErrCorrupted
		}

		e := store.Entry{
			Version:   binary.LittleEndian.Uint64(scratch[0:8]),
			Seq:       binary.LittleEndian.Uint64(scratch[8:16]),
			CreatedAt: int64(binary.LittleEndian.Uint64(scratch[16:24])),
			ExpiresAt: int64(binary.LittleEndian.Uint64(scratch[24:32])),
		}
		valLen := binary.LittleEndian.Uint32(scratch[32:36])
		if valLen > maxValueLen {
			return nil, ErrCorrupted
		}
		if valLen > 0 {
			e.Value = make([]byte, valLen)
			if _, err := io.ReadFull(r, e.Value); err != nil {
				return nil, ErrCorrupted
			}
		}
		entries[string(key)] = e
	}
}

// Delete removes a snapshot file by ID.
func (m *Manager) Delete(id string) error {
	if err := os.Remove(filepath.Join(m.dir, id+fileSuffix)); err != nil {
		return fmt.Errorf("snapshot: delete %s: %w", id, err)
	}
	return nil
}

// List returns the snapshot IDs present on disk, oldest first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), fileSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// PruneExcept deletes every snapshot other than keep. Called after the
// control record has durably moved to a new snapshot.
func (m *Manager) PruneExcept(keep string) error {
	ids, err := m.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == keep {
			continue
		}
		if err := m.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("snapshot: open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("snapshot: sync dir: %w", err)
	}
	return nil
}
