package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Operation kinds for WAL records. Values are part of the on-disk format.
const (
	OpPut            byte = 0x00
	OpDelete         byte = 0x01
	OpIncrement      byte = 0x02
	OpCompareAndSwap byte = 0x03
)

// Header size: Seq (8) + Op (1) + Version (8) + Timestamp (8) + ExpiresAt (8) + KeyLen (4) + ValLen (4) = 41 bytes
const headerSize = 41

// checksumSize is the trailing CRC32 over header + key + value.
const checksumSize = 4

// MaxKeyLen and MaxValueLen bound record fields. Append refuses anything
// larger up front, so a frame beyond these caps on decode can only mean
// corruption.
const (
	MaxKeyLen   = 1 << 20 // 1 MiB
	MaxValueLen = 1 << 30 // 1 GiB
)

var (
	// ErrCorrupted indicates a CRC32 mismatch or an implausible record frame.
	ErrCorrupted = errors.New("wal: corrupted record (CRC32 mismatch)")
	// ErrInvalidOp indicates an unknown operation kind.
	ErrInvalidOp = errors.New("wal: invalid operation kind")
	// ErrTooLarge indicates a key or value beyond the record format's limits.
	ErrTooLarge = errors.New("wal: record exceeds size limits")
)

// Record is a single WAL record. Immutable once appended; Seq is assigned
// by the log and is strictly increasing without gaps.
type Record struct {
	Seq       uint64
	Op        byte
	Version   uint64 // entry version after this record is applied
	Timestamp int64  // creation time, unix nanos
	ExpiresAt int64  // absolute expiry, unix nanos; 0 means none
	Key       string
	Value     []byte
}

func validOp(op byte) bool {
	switch op {
	case OpPut, OpDelete, OpIncrement, OpCompareAndSwap:
		return true
	}
	return false
}

// encodeRecord encodes a record with a trailing CRC32 checksum.
// Format: Seq (8) + Op (1) + Version (8) + Timestamp (8) + ExpiresAt (8) +
// KeyLen (4) + ValLen (4) + Key + Value + CRC32 (4), little-endian.
func encodeRecord(rec Record) []byte {
	keyLen := len(rec.Key)
	valLen := len(rec.Value)
	data := make([]byte, headerSize+keyLen+valLen+checksumSize)

	binary.LittleEndian.PutUint64(data[0:8], rec.Seq)
	data[8] = rec.Op
	binary.LittleEndian.PutUint64(data[9:17], rec.Version)
	binary.LittleEndian.PutUint64(data[17:25], uint64(rec.Timestamp))
	binary.LittleEndian.PutUint64(data[25:33], uint64(rec.ExpiresAt))
	binary.LittleEndian.PutUint32(data[33:37], uint32(keyLen))
	binary.LittleEndian.PutUint32(data[37:41], uint32(valLen))
	copy(data[41:41+keyLen], rec.Key)
	copy(data[41+keyLen:], rec.Value)

	checksum := crc32.ChecksumIEEE(data[:headerSize+keyLen+valLen])
	binary.LittleEndian.PutUint32(data[headerSize+keyLen+valLen:], checksum)
	return data
}

// readRecord reads a single record from r.
// Returns io.EOF on a clean end of stream, io.ErrUnexpectedEOF when the
// stream ends mid-record, and ErrCorrupted on checksum or framing failures.
func readRecord(r io.Reader) (Record, int, error) {
	header := make([]byte, headerSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if err == io.EOF && n == 0 {
			return Record{}, 0, io.EOF
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, n, io.ErrUnexpectedEOF
		}
		return Record{}, n, err
	}

	seq := binary.LittleEndian.Uint64(header[0:8])
	op := header[8]
	version := binary.LittleEndian.Uint64(header[9:17])
	timestamp := int64(binary.LittleEndian.Uint64(header[17:25]))
	expiresAt := int64(binary.LittleEndian.Uint64(header[25:33]))
	keyLen := binary.LittleEndian.Uint32(header[33:37])
	valLen := binary.LittleEndian.Uint32(header[37:41])

	if !validOp(op) || keyLen > MaxKeyLen || valLen > MaxValueLen {
		return Record{}, n, ErrCorrupted
	}

	body := make([]byte, int(keyLen)+int(valLen)+checksumSize)
	bodyRead, err := io.ReadFull(r, body)
	n += bodyRead
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, n, io.ErrUnexpectedEOF
		}
		return Record{}, n, err
	}

	payloadLen := int(keyLen) + int(valLen)
	stored := binary.LittleEndian.Uint32(body[payloadLen:])

	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(body[:payloadLen])
	if crc.Sum32() != stored {
		return Record{}, n, ErrCorrupted
	}

	rec := Record{
		Seq:       seq,
		Op:        op,
		Version:   version,
		Timestamp: timestamp,
		ExpiresAt: expiresAt,
		Key:       string(body[:keyLen]),
	}
	if valLen > 0 {
		rec.Value = body[keyLen:payloadLen]
	}
	return rec, n, nil
}

// Verify recomputes the checksum of an encoded record and reports mismatches.
func Verify(encoded []byte) error {
	if len(encoded) < headerSize+checksumSize {
		return fmt.Errorf("wal: record too short (%d bytes): %w", len(encoded), ErrCorrupted)
	}
	payload := encoded[:len(encoded)-checksumSize]
	stored := binary.LittleEndian.Uint32(encoded[len(encoded)-checksumSize:])
	if crc32.ChecksumIEEE(payload) != stored {
		return ErrCorrupted
	}
	return nil
}
