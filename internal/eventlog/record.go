package eventlog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorrupt marks a record whose framing or checksum does not verify.
var ErrCorrupt = errors.New("eventlog: corrupt record")

// EncodeRecord frames header and payload with a trailing crc32c.
func EncodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

// Decoded is a verified record. Slices are owned by the caller.
type Decoded struct {
	Header  []byte
	Payload []byte
}

// DecodeRecord verifies and splits a framed record.
func DecodeRecord(b []byte) (Decoded, error) {
	if len(b) < 1+4 {
		return Decoded{}, ErrCorrupt
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)) < uint64(n)+hlen+4 {
		return Decoded{}, ErrCorrupt
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return Decoded{}, ErrCorrupt
	}
	return Decoded{Header: append([]byte(nil), header...), Payload: append([]byte(nil), payload...)}, nil
}

// TimeHeader encodes an append timestamp (ms) as the first 8 header bytes.
func TimeHeader(ms int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(ms))
}

// HeaderTime extracts the timestamp written by TimeHeader.
func HeaderTime(header []byte) (int64, bool) {
	if len(header) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(header[:8])), true
}
