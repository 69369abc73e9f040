package keelkv

import (
	"errors"

	"github.com/keelkv/keelkv/internal/store"
)

// Sentinel errors returned by DB operations. The store-level sentinels are
// aliased so callers only ever import this package.
var (
	// ErrNotFound indicates the key is absent or expired.
	ErrNotFound = store.ErrNotFound
	// ErrVersionConflict indicates a CompareAndSwap precondition failed;
	// the entry is untouched and the operation is safe to retry.
	ErrVersionConflict = store.ErrVersionConflict
	// ErrNotNumeric indicates Increment was applied to a value that is
	// not a decimal integer.
	ErrNotNumeric = store.ErrNotNumeric

	// ErrValueTooLarge indicates the value exceeds Options.MaxValueSize.
	ErrValueTooLarge = errors.New("keelkv: value exceeds configured maximum size")
	// ErrKeyTooLarge indicates the key exceeds the WAL record limit.
	ErrKeyTooLarge = errors.New("keelkv: key exceeds maximum size")
	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("keelkv: database is closed")
	// ErrCorrupted indicates durable state that cannot be trusted: a
	// damaged snapshot or control record, or WAL corruption beyond the
	// tolerated torn tail. The DB refuses to serve; recovery requires
	// operator action, never automatic data discard.
	ErrCorrupted = errors.New("keelkv: corrupted durable state")
)
