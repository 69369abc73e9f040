package keelkv

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keelkv/keelkv/internal/wal"
)

// SyncPolicy selects the WAL durability policy.
type SyncPolicy = wal.SyncPolicy

// Durability policies, re-exported for callers.
const (
	// SyncAlways fsyncs after every append.
	SyncAlways = wal.SyncAlways
	// SyncInterval batches fsyncs within a bounded time window.
	SyncInterval = wal.SyncInterval
	// SyncNever never fsyncs explicitly.
	SyncNever = wal.SyncNever
)

// Options configures a DB. All fields have working defaults; see
// DefaultOptions.
type Options struct {
	// Shards is the number of store shards. Must be a power of two.
	Shards int

	// SegmentSize is the WAL segment rotation threshold in bytes.
	SegmentSize int64

	// SyncPolicy selects the WAL durability policy.
	SyncPolicy SyncPolicy

	// SyncInterval is the batching window for the SyncInterval policy.
	SyncInterval time.Duration

	// CheckpointInterval is the period of the background checkpoint
	// worker. Zero disables it; Checkpoint can still be called directly.
	CheckpointInterval time.Duration

	// SweepInterval is the period of the background expiry sweep. Zero
	// disables it; ExpireSweep can still be called directly.
	SweepInterval time.Duration

	// SweepRate bounds the expiry sweep to this many durable deletes per
	// second, so a large expired backlog cannot flood the WAL. Zero means
	// unlimited.
	SweepRate float64

	// SweepBatch caps the keys collected per sweep pass.
	SweepBatch int

	// MaxValueSize is the largest accepted value in bytes.
	MaxValueSize int

	// Logger receives structured recovery, checkpoint and sweep events.
	Logger *slog.Logger

	// Clock supplies the time source used for TTL decisions. Defaults to
	// time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		Shards:             256,
		SegmentSize:        128 * 1024 * 1024,
		SyncPolicy:         SyncInterval,
		SyncInterval:       100 * time.Millisecond,
		CheckpointInterval: 5 * time.Minute,
		SweepInterval:      time.Second,
		SweepRate:          0,
		SweepBatch:         1024,
		MaxValueSize:       16 * 1024 * 1024,
	}
}

func (o *Options) validate() error {
	if o.Shards < 1 || o.Shards&(o.Shards-1) != 0 {
		return fmt.Errorf("keelkv: shard count must be a power of two, got %d", o.Shards)
	}
	if o.SegmentSize <= 0 {
		return fmt.Errorf("keelkv: segment size must be positive, got %d", o.SegmentSize)
	}
	if o.MaxValueSize <= 0 {
		return fmt.Errorf("keelkv: max value size must be positive, got %d", o.MaxValueSize)
	}
	if o.MaxValueSize > wal.MaxValueLen {
		return fmt.Errorf("keelkv: max value size %d exceeds WAL record limit %d",
			o.MaxValueSize, wal.MaxValueLen)
	}
	switch o.SyncPolicy {
	case SyncAlways, SyncInterval, SyncNever:
	default:
		return fmt.Errorf("keelkv: unknown sync policy %d", o.SyncPolicy)
	}
	if o.SweepRate < 0 {
		return fmt.Errorf("keelkv: sweep rate must not be negative, got %v", o.SweepRate)
	}
	return nil
}

// fileOptions is the YAML form of Options. Durations are strings accepted by
// time.ParseDuration.
type fileOptions struct {
	Shards             *int     `yaml:"shards"`
	SegmentSize        *int64   `yaml:"segment_size"`
	SyncPolicy         *string  `yaml:"sync_policy"` // always | interval | never
	SyncInterval       *string  `yaml:"sync_interval"`
	CheckpointInterval *string  `yaml:"checkpoint_interval"`
	SweepInterval      *string  `yaml:"sweep_interval"`
	SweepRate          *float64 `yaml:"sweep_rate"`
	SweepBatch         *int     `yaml:"sweep_batch"`
	MaxValueSize       *int     `yaml:"max_value_size"`
}

// LoadOptions reads a YAML options file and returns an option that applies
// it. Absent fields keep their current values, so file settings compose with
// programmatic ones.
func LoadOptions(path string) (func(*Options), error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keelkv: read options file: %w", err)
	}

	var fo fileOptions
	if err := yaml.Unmarshal(data, &fo); err != nil {
		return nil, fmt.Errorf("keelkv: parse options file: %w", err)
	}

	var policy *SyncPolicy
	if fo.SyncPolicy != nil {
		p, err := parseSyncPolicy(*fo.SyncPolicy)
		if err != nil {
			return nil, err
		}
		policy = &p
	}

	durations := map[string]*string{
		"sync_interval":       fo.SyncInterval,
		"checkpoint_interval": fo.CheckpointInterval,
		"sweep_interval":      fo.SweepInterval,
	}
	parsed := make(map[string]time.Duration, len(durations))
	for name, raw := range durations {
		if raw == nil {
			continue
		}
		d, err := time.ParseDuration(*raw)
		if err != nil {
			return nil, fmt.Errorf("keelkv: parse %s: %w", name, err)
		}
		parsed[name] = d
	}

	return func(o *Options) {
		if fo.Shards != nil {
			o.Shards = *fo.Shards
		}
		if fo.SegmentSize != nil {
			o.SegmentSize = *fo.SegmentSize
		}
		if policy != nil {
			o.SyncPolicy = *policy
		}
		if d, ok := parsed["sync_interval"]; ok {
			o.SyncInterval = d
		}
		if d, ok := parsed["checkpoint_interval"]; ok {
			o.CheckpointInterval = d
		}
		if d, ok := parsed["sweep_interval"]; ok {
			o.SweepInterval = d
		}
		if fo.SweepRate != nil {
			o.SweepRate = *fo.SweepRate
		}
		if fo.SweepBatch != nil {
			o.SweepBatch = *fo.SweepBatch
		}
		if fo.MaxValueSize != nil {
			o.MaxValueSize = *fo.MaxValueSize
		}
	}, nil
}

func parseSyncPolicy(s string) (SyncPolicy, error) {
	switch s {
	case "always":
		return SyncAlways, nil
	case "interval":
		return SyncInterval, nil
	case "never":
		return SyncNever, nil
	}
	return 0, fmt.Errorf("keelkv: unknown sync policy %q", s)
}

// WithSyncPolicy sets the WAL durability policy.
func WithSyncPolicy(p SyncPolicy) func(*Options) {
	return func(o *Options) { o.SyncPolicy = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) func(*Options) {
	return func(o *Options) { o.Logger = l }
}
