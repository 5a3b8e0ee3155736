package block

import (
	"encoding/binary"
	"fmt"

	"github.com/decent-stuff/decent-cloud/types"
)

// Canonical binary layout. The same bytes feed the block hash, the on-disk
// value and the sync byte stream, so the encoding must stay deterministic.
//
//	frame   = u32 payloadLen | payload
//	payload = u64 offset | parentHash[32] | u64 timestampNs | u32 entryCount | entry*
//	entry   = u16 labelLen | label | u32 keyLen | key | u32 valueLen | value | u8 op

const frameHeaderLen = 4

// EncodedEntrySize returns the serialized size of a single entry, used for
// append-time size accounting before any block exists.
func EncodedEntrySize(e types.Entry) int {
	return 2 + len(e.Label) + 4 + len(e.Key) + 4 + len(e.Value) + 1
}

func appendEntry(buf []byte, e types.Entry) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Label)))
	buf = append(buf, e.Label...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Value)))
	buf = append(buf, e.Value...)
	buf = append(buf, byte(e.Operation))
	return buf
}

// payload serializes everything the block hash covers.
func (b *Block) payload() []byte {
	size := 8 + 32 + 8 + 4
	for _, e := range b.Entries {
		size += EncodedEntrySize(e)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint64(buf, b.Offset)
	buf = append(buf, b.ParentHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, b.TimestampNs)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Entries)))
	for _, e := range b.Entries {
		buf = appendEntry(buf, e)
	}
	return buf
}

// Marshal serializes the block as one length-prefixed frame.
func Marshal(b *Block) []byte {
	payload := b.payload()
	buf := make([]byte, 0, frameHeaderLen+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

// MarshaledSize returns the frame size of the block without serializing it.
func MarshaledSize(b *Block) int {
	size := frameHeaderLen + 8 + 32 + 8 + 4
	for _, e := range b.Entries {
		size += EncodedEntrySize(e)
	}
	return size
}

// Unmarshal decodes one frame from data and returns the block together with
// the number of bytes consumed. The block hash is recomputed from the
// payload, never trusted from the wire.
func Unmarshal(data []byte) (*Block, int, error) {
	if len(data) < frameHeaderLen {
		return nil, 0, fmt.Errorf("block frame truncated: %d bytes", len(data))
	}
	payloadLen := int(binary.BigEndian.Uint32(data))
	if len(data) < frameHeaderLen+payloadLen {
		return nil, 0, fmt.Errorf("block frame truncated: want %d payload bytes, have %d", payloadLen, len(data)-frameHeaderLen)
	}
	payload := data[frameHeaderLen : frameHeaderLen+payloadLen]
	b := &Block{}
	r := reader{buf: payload}
	b.Offset = r.uint64()
	copy(b.ParentHash[:], r.bytes(32))
	b.TimestampNs = r.uint64()
	entryCount := int(r.uint32())
	if r.err == nil && entryCount > payloadLen {
		return nil, 0, fmt.Errorf("block frame corrupt: %d entries in %d bytes", entryCount, payloadLen)
	}
	b.Entries = make([]types.Entry, 0, entryCount)
	for i := 0; i < entryCount; i++ {
		var e types.Entry
		e.Label = string(r.bytes(int(r.uint16())))
		e.Key = cloneBytes(r.bytes(int(r.uint32())))
		e.Value = cloneBytes(r.bytes(int(r.uint32())))
		e.Operation = types.Operation(r.byte())
		b.Entries = append(b.Entries, e)
	}
	if r.err != nil {
		return nil, 0, fmt.Errorf("block frame corrupt: %w", r.err)
	}
	if r.pos != payloadLen {
		return nil, 0, fmt.Errorf("block frame corrupt: %d trailing bytes", payloadLen-r.pos)
	}
	b.BlockHash = b.computeHash()
	return b, frameHeaderLen + payloadLen, nil
}

// UnmarshalStream decodes a concatenation of frames.
func UnmarshalStream(data []byte) ([]*Block, error) {
	var blocks []*Block
	for len(data) > 0 {
		b, n, err := Unmarshal(data)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
		data = data[n:]
	}
	return blocks, nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("read of %d bytes past end at %d", n, r.pos)
		return nil
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) byte() byte {
	b := r.bytes(1)
	if len(b) != 1 {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if len(b) != 2 {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.bytes(8)
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
