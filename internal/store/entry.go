package store

// Entry is the in-memory state of one key. An entry is owned exclusively by
// the shard holding its key; Seq records the last WAL sequence number folded
// into it, which makes replay idempotent.
type Entry struct {
	Value     []byte
	Version   uint64
	Seq       uint64
	CreatedAt int64 // unix nanos
	ExpiresAt int64 // unix nanos; 0 means no expiry
}

// expiredAt reports whether the entry is past its expiry at the given
// instant (unix nanos).
func (e *Entry) expiredAt(now int64) bool {
	return e.ExpiresAt != 0 && e.ExpiresAt <= now
}

func (e *Entry) clone() Entry {
	cloned := *e
	if e.Value != nil {
		cloned.Value = append([]byte(nil), e.Value...)
	}
	return cloned
}
