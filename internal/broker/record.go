package broker

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/vmihailenco/msgpack/v5"
)

// Record layout: headerLen(4B BE) | header | body | crc32c(header|body).
// The header is msgpack encoded.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptRecord is returned when a stored record fails its checksum.
var ErrCorruptRecord = errors.New("broker: corrupt record")

// Header carries everything about a message except its body.
type Header struct {
	ID         string            `msgpack:"id"`
	Properties map[string]string `msgpack:"props,omitempty"`
	Priority   uint32            `msgpack:"prio"`
	EnqueuedMs int64             `msgpack:"ts"`
}

func encodeRecord(h Header, body []byte) ([]byte, error) {
	hb, err := msgpack.Marshal(&h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4+len(hb)+len(body)+4)
	out = appendU32(out, uint32(len(hb)))
	out = append(out, hb...)
	out = append(out, body...)
	crc := crc32.Update(0, castagnoli, hb)
	crc = crc32.Update(crc, castagnoli, body)
	return appendU32(out, crc), nil
}

func decodeRecord(b []byte) (Header, []byte, error) {
	var h Header
	if len(b) < 8 {
		return h, nil, ErrCorruptRecord
	}
	hlen := int(binary.BigEndian.Uint32(b[:4]))
	if 4+hlen+4 > len(b) {
		return h, nil, ErrCorruptRecord
	}
	hb := b[4 : 4+hlen]
	body := b[4+hlen : len(b)-4]
	crc := crc32.Update(0, castagnoli, hb)
	crc = crc32.Update(crc, castagnoli, body)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return h, nil, ErrCorruptRecord
	}
	if err := msgpack.Unmarshal(hb, &h); err != nil {
		return h, nil, err
	}
	return h, append([]byte(nil), body...), nil
}
