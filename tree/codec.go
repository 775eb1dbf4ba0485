package tree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	gocid "github.com/ipfs/go-cid"

	"github.com/mmalmi/hashtree/cid"
)

// Directory and chunk-manifest blocks share one entry encoding and differ
// only in their magic. The encoding is strictly deterministic: identical
// entry sets always produce byte-identical blocks, independent of store
// instance, which is what makes cross-process dedup work.
var (
	dirMagic      = []byte("HTDR")
	manifestMagic = []byte("HTFL")
)

const codecVersion = 1

var ErrBadEncoding = errors.New("tree: malformed directory encoding")

func encodeEntries(magic []byte, entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(magic)
	buf.WriteByte(codecVersion)
	writeUvarint(&buf, uint64(len(entries)))

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: empty entry name", ErrBadEncoding)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate entry %q", ErrBadEncoding, e.Name)
		}
		seen[e.Name] = struct{}{}
		if !e.Type.valid() {
			return nil, fmt.Errorf("%w: invalid link type for %q", ErrBadEncoding, e.Name)
		}
		if !e.ID.Defined() {
			return nil, fmt.Errorf("%w: undefined cid for %q", ErrBadEncoding, e.Name)
		}

		writeBytes(&buf, []byte(e.Name))
		buf.WriteByte(byte(e.Type))
		writeUvarint(&buf, e.Size)
		writeBytes(&buf, e.ID.Hash.Bytes())
		writeBytes(&buf, e.ID.Key)

		if e.Meta.isZero() {
			buf.WriteByte(0)
		} else {
			buf.WriteByte(1)
			writeBytes(&buf, []byte(e.Meta.Title))
			writeUvarint(&buf, e.Meta.Duration)
			writeBytes(&buf, []byte(e.Meta.Thumbnail))
			writeUvarint(&buf, e.Meta.CreatedAt)
			writeUvarint(&buf, e.Meta.UpdatedAt)
		}
	}
	return buf.Bytes(), nil
}

// decodeEntries parses a block previously produced by encodeEntries with the
// same magic. Any structural problem is data corruption and surfaces as
// ErrBadEncoding; it is never retried.
func decodeEntries(magic, data []byte) ([]Entry, error) {
	if !hasMagic(data, magic) {
		return nil, ErrBadEncoding
	}
	if data[len(magic)] != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadEncoding, data[len(magic)])
	}
	r := bytes.NewReader(data[len(magic)+1:])

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrBadEncoding
	}
	if count > uint64(len(data)) {
		// More entries than bytes: corrupt length prefix.
		return nil, ErrBadEncoding
	}

	entries := make([]Entry, 0, count)
	seen := make(map[string]struct{}, count)
	for i := uint64(0); i < count; i++ {
		name, err := readBytes(r)
		if err != nil || len(name) == 0 {
			return nil, ErrBadEncoding
		}
		if _, dup := seen[string(name)]; dup {
			return nil, fmt.Errorf("%w: duplicate entry %q", ErrBadEncoding, name)
		}
		seen[string(name)] = struct{}{}

		typByte, err := r.ReadByte()
		if err != nil || !LinkType(typByte).valid() {
			return nil, ErrBadEncoding
		}
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrBadEncoding
		}
		hashBytes, err := readBytes(r)
		if err != nil {
			return nil, ErrBadEncoding
		}
		hash, err := gocid.Cast(hashBytes)
		if err != nil {
			return nil, ErrBadEncoding
		}
		key, err := readBytes(r)
		if err != nil {
			return nil, ErrBadEncoding
		}
		if len(key) != 0 && len(key) != cid.KeySize {
			return nil, ErrBadEncoding
		}
		var id cid.ID
		if len(key) == 0 {
			id = cid.ID{Hash: hash}
		} else {
			id, err = cid.New(hash, key)
			if err != nil {
				return nil, ErrBadEncoding
			}
		}

		e := Entry{Name: string(name), ID: id, Size: size, Type: LinkType(typByte)}

		metaFlag, err := r.ReadByte()
		if err != nil {
			return nil, ErrBadEncoding
		}
		switch metaFlag {
		case 0:
		case 1:
			m := &Meta{}
			title, err := readBytes(r)
			if err != nil {
				return nil, ErrBadEncoding
			}
			m.Title = string(title)
			if m.Duration, err = binary.ReadUvarint(r); err != nil {
				return nil, ErrBadEncoding
			}
			thumb, err := readBytes(r)
			if err != nil {
				return nil, ErrBadEncoding
			}
			m.Thumbnail = string(thumb)
			if m.CreatedAt, err = binary.ReadUvarint(r); err != nil {
				return nil, ErrBadEncoding
			}
			if m.UpdatedAt, err = binary.ReadUvarint(r); err != nil {
				return nil, ErrBadEncoding
			}
			e.Meta = m
		default:
			return nil, ErrBadEncoding
		}

		entries = append(entries, e)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrBadEncoding)
	}
	return entries, nil
}

func hasMagic(data, magic []byte) bool {
	return len(data) > len(magic) && bytes.Equal(data[:len(magic)], magic)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, ErrBadEncoding
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
