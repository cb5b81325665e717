// Package rdb decodes the binary snapshot format used both to seed the
// keyspace from an on-disk file at startup and to parse the FULLRESYNC
// payload a replica receives from its master.
package rdb

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	lzf "github.com/zhuyie/golzf"

	"keyvault/internal/keyspace"
)

// ErrSnapshotCorrupt covers magic mismatch, truncated frames, and
// entry types outside the supported set.
var ErrSnapshotCorrupt = errors.New("SnapshotCorrupt")

const (
	opAux          = 0xFA
	opSelectDB     = 0xFE
	opResizeDB     = 0xFB
	opExpireMs     = 0xFC
	opExpireSec    = 0xFD
	opEOF          = 0xFF
	typeString     = 0x00
	encInt8        = 0
	encInt16       = 1
	encInt32       = 2
	encLZF         = 3
)

// LoadFile opens path and seeds ks from its contents. A missing file is
// not an error: the keyspace is left empty and nil is returned.
func LoadFile(path string, ks *keyspace.Keyspace) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	defer f.Close()

	return Decode(bufio.NewReader(f), ks)
}

// Decode reads one complete snapshot from r and inserts every entry it
// contains into ks via InsertSeeded.
func Decode(r io.Reader, ks *keyspace.Keyspace) error {
	br := bufio.NewReader(r)

	if err := expectMagicAndVersion(br); err != nil {
		return err
	}

	for {
		tag, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("%w: reading section tag: %v", ErrSnapshotCorrupt, err)
		}

		switch tag {
		case opEOF:
			return nil
		case opAux:
			if err := skipEncodedString(br); err != nil {
				return err
			}
			if err := skipEncodedString(br); err != nil {
				return err
			}
		case opSelectDB:
			if _, _, err := readEncodedLength(br); err != nil {
				return fmt.Errorf("%w: db index: %v", ErrSnapshotCorrupt, err)
			}
			if err := readDatabase(br, ks); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unexpected section tag 0x%02x", ErrSnapshotCorrupt, tag)
		}
	}
}

func expectMagicAndVersion(br *bufio.Reader) error {
	magic := make([]byte, 5)
	if _, err := io.ReadFull(br, magic); err != nil {
		return fmt.Errorf("%w: reading magic: %v", ErrSnapshotCorrupt, err)
	}
	if string(magic) != "REDIS" {
		return fmt.Errorf("%w: bad magic %q", ErrSnapshotCorrupt, magic)
	}

	version := make([]byte, 4)
	if _, err := io.ReadFull(br, version); err != nil {
		return fmt.Errorf("%w: reading version: %v", ErrSnapshotCorrupt, err)
	}
	for _, c := range version {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: non-numeric version %q", ErrSnapshotCorrupt, version)
		}
	}
	return nil
}

func readDatabase(br *bufio.Reader, ks *keyspace.Keyspace) error {
	marker, err := br.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: reading resizedb marker: %v", ErrSnapshotCorrupt, err)
	}
	if marker != opResizeDB {
		return fmt.Errorf("%w: expected resizedb marker 0xFB, got 0x%02x", ErrSnapshotCorrupt, marker)
	}

	hashSize, _, err := readEncodedLength(br)
	if err != nil {
		return fmt.Errorf("%w: hash_table_size: %v", ErrSnapshotCorrupt, err)
	}
	expSize, _, err := readEncodedLength(br)
	if err != nil {
		return fmt.Errorf("%w: hash_table_size_with_expiry: %v", ErrSnapshotCorrupt, err)
	}
	if expSize > hashSize {
		return fmt.Errorf("%w: hash_table_size_with_expiry %d exceeds hash_table_size %d", ErrSnapshotCorrupt, expSize, hashSize)
	}

	for i := uint64(0); i < hashSize; i++ {
		if err := readEntry(br, ks); err != nil {
			return err
		}
	}
	return nil
}

func readEntry(br *bufio.Reader, ks *keyspace.Keyspace) error {
	b, err := br.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: reading entry flag: %v", ErrSnapshotCorrupt, err)
	}

	var expireAt time.Time
	switch b {
	case opExpireSec:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("%w: reading second expiry: %v", ErrSnapshotCorrupt, err)
		}
		secs := binary.LittleEndian.Uint32(buf)
		expireAt = time.Unix(int64(secs), 0)
		b, err = br.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: reading type after expiry: %v", ErrSnapshotCorrupt, err)
		}
	case opExpireMs:
		buf := make([]byte, 8)
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("%w: reading ms expiry: %v", ErrSnapshotCorrupt, err)
		}
		ms := binary.LittleEndian.Uint64(buf)
		expireAt = time.UnixMilli(int64(ms))
		b, err = br.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: reading type after expiry: %v", ErrSnapshotCorrupt, err)
		}
	}

	if b != typeString {
		return fmt.Errorf("%w: unsupported entry type 0x%02x", ErrSnapshotCorrupt, b)
	}

	key, err := readEncodedString(br)
	if err != nil {
		return err
	}
	value, err := readEncodedString(br)
	if err != nil {
		return err
	}

	ks.InsertSeeded(key, value, expireAt)
	return nil
}

// readEncodedLength returns (length, isSpecialInt, error). When
// isSpecialInt is true, length carries the low-6-bit special-format
// selector instead of an actual length.
func readEncodedLength(br *bufio.Reader) (uint64, bool, error) {
	first, err := br.ReadByte()
	if err != nil {
		return 0, false, err
	}

	switch first >> 6 {
	case 0b00:
		return uint64(first & 0x3F), false, nil
	case 0b01:
		second, err := br.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return (uint64(first&0x3F) << 8) | uint64(second), false, nil
	case 0b10:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(br, buf); err != nil {
			return 0, false, err
		}
		return uint64(binary.BigEndian.Uint32(buf)), false, nil
	case 0b11:
		return uint64(first & 0x3F), true, nil
	}
	return 0, false, fmt.Errorf("unreachable length selector 0x%02x", first)
}

func readEncodedString(br *bufio.Reader) ([]byte, error) {
	length, special, err := readEncodedLength(br)
	if err != nil {
		return nil, fmt.Errorf("%w: encoded string length: %v", ErrSnapshotCorrupt, err)
	}

	if !special {
		buf := make([]byte, length)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("%w: encoded string payload: %v", ErrSnapshotCorrupt, err)
		}
		return buf, nil
	}

	switch length {
	case encInt8:
		b, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: int8 payload: %v", ErrSnapshotCorrupt, err)
		}
		return []byte(strconv.Itoa(int(int8(b)))), nil
	case encInt16:
		buf := make([]byte, 2)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("%w: int16 payload: %v", ErrSnapshotCorrupt, err)
		}
		return []byte(strconv.Itoa(int(int16(binary.LittleEndian.Uint16(buf))))), nil
	case encInt32:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("%w: int32 payload: %v", ErrSnapshotCorrupt, err)
		}
		return []byte(strconv.Itoa(int(int32(binary.LittleEndian.Uint32(buf))))), nil
	case encLZF:
		compressedLen, _, err := readEncodedLength(br)
		if err != nil {
			return nil, fmt.Errorf("%w: lzf compressed length: %v", ErrSnapshotCorrupt, err)
		}
		origLen, _, err := readEncodedLength(br)
		if err != nil {
			return nil, fmt.Errorf("%w: lzf original length: %v", ErrSnapshotCorrupt, err)
		}
		compressed := make([]byte, compressedLen)
		if _, err := io.ReadFull(br, compressed); err != nil {
			return nil, fmt.Errorf("%w: lzf payload: %v", ErrSnapshotCorrupt, err)
		}
		dst := make([]byte, origLen)
		n, err := lzf.Decompress(compressed, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lzf decompress: %v", ErrSnapshotCorrupt, err)
		}
		if uint64(n) != origLen {
			return nil, fmt.Errorf("%w: lzf decompressed length mismatch: want %d got %d", ErrSnapshotCorrupt, origLen, n)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: unsupported special string encoding 0b%06b", ErrSnapshotCorrupt, length)
	}
}

func skipEncodedString(br *bufio.Reader) error {
	_, err := readEncodedString(br)
	return err
}

// emptySnapshotBase64 is the fixed base64-encoded empty RDB payload a master
// transmits verbatim as the FULLRESYNC body.
const emptySnapshotBase64 = "UkVESVMwMDEx/wAAAAAAAAAA"

// EmptySnapshot returns the decoded bytes of the embedded empty
// snapshot, transmitted verbatim (no trailing CRLF) as a FULLRESYNC body.
func EmptySnapshot() []byte {
	b, err := base64.StdEncoding.DecodeString(emptySnapshotBase64)
	if err != nil {
		panic("rdb: embedded empty snapshot constant is not valid base64: " + err.Error())
	}
	return b
}
