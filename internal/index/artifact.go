package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/timmy/mediamatch/internal/domain"
)

// Artifact layout, little-endian:
//
//	magic "PDQIDX\0\0" | version u16 | signal_type_id u16 | partitions u8 |
//	sub_key_bits u8 | threshold u16 | count u64 | generation u64 |
//	built_at_unix_ms u64 | codes | member_ids u64 x count |
//	per partition: offsets u32 x (2^w+1), postings u32 x offsets[2^w] |
//	crc32c of everything before it u32
const (
	// FormatVersion is the artifact version written by WriteTo.
	FormatVersion uint16 = 1

	headerSize = 8 + 2 + 2 + 1 + 1 + 2 + 8 + 8 + 8
)

var magic = [8]byte{'P', 'D', 'Q', 'I', 'D', 'X', 0, 0}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// WriteTo serializes the index.
func (ix *Index) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)
	crc := crc32.New(castagnoli)
	mw := io.MultiWriter(bw, crc)

	var hdr [headerSize]byte
	copy(hdr[0:8], magic[:])
	binary.LittleEndian.PutUint16(hdr[8:], FormatVersion)
	binary.LittleEndian.PutUint16(hdr[10:], ix.params.SignalTypeID)
	hdr[12] = uint8(ix.params.Partitions)
	hdr[13] = uint8(ix.params.SubKeyBits)
	binary.LittleEndian.PutUint16(hdr[14:], uint16(ix.params.Threshold))
	binary.LittleEndian.PutUint64(hdr[16:], uint64(ix.count))
	binary.LittleEndian.PutUint64(hdr[24:], ix.generation)
	binary.LittleEndian.PutUint64(hdr[32:], uint64(ix.builtAt.UnixMilli()))

	if _, err := mw.Write(hdr[:]); err != nil {
		return cw.n, err
	}
	if _, err := mw.Write(ix.codes); err != nil {
		return cw.n, err
	}
	if err := binary.Write(mw, binary.LittleEndian, ix.ids); err != nil {
		return cw.n, err
	}
	for p := range ix.offsets {
		if err := binary.Write(mw, binary.LittleEndian, ix.offsets[p]); err != nil {
			return cw.n, err
		}
		if err := binary.Write(mw, binary.LittleEndian, ix.postings[p]); err != nil {
			return cw.n, err
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, crc.Sum32()); err != nil {
		return cw.n, err
	}
	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// MarshalBinary returns the serialized index.
func (ix *Index) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := ix.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadFrom reads an entire artifact from r and decodes it.
func ReadFrom(r io.Reader) (*Index, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Unmarshal decodes and validates an artifact. Any inconsistency, including
// a checksum mismatch, yields ErrIndexCorrupt.
func Unmarshal(data []byte) (*Index, error) {
	if len(data) < headerSize+4 {
		return nil, corrupt("artifact is %d bytes, shorter than header", len(data))
	}
	body := data[:len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	if got := crc32.Checksum(body, castagnoli); got != want {
		return nil, corrupt("checksum mismatch: stored %08x, computed %08x", want, got)
	}

	r := &sliceReader{buf: body}
	var m [8]byte
	copy(m[:], r.bytes(8))
	if m != magic {
		return nil, corrupt("bad magic %q", m[:])
	}
	if v := r.u16(); v != FormatVersion {
		return nil, corrupt("unsupported version %d", v)
	}

	p := Params{SignalTypeID: r.u16()}
	p.Partitions = int(r.u8())
	p.SubKeyBits = int(r.u8())
	p.Threshold = int(r.u16())
	if err := p.Validate(); err != nil {
		return nil, corrupt("invalid parameters: %v", err)
	}

	count := r.u64()
	generation := r.u64()
	builtAt := r.u64()

	cb := uint64(p.CodeBytes())
	if count > uint64(len(body))/(cb+8) {
		return nil, corrupt("count %d does not fit in %d bytes", count, len(body))
	}
	n := int(count)

	ix := &Index{
		params:     p,
		generation: generation,
		builtAt:    time.UnixMilli(int64(builtAt)).UTC(),
		count:      n,
		codes:      append([]byte{}, r.bytes(n*int(cb))...),
		ids:        make([]int64, n),
		offsets:    make([][]uint32, p.Partitions),
		postings:   make([][]uint32, p.Partitions),
	}
	for i := range ix.ids {
		ix.ids[i] = int64(r.u64())
	}

	buckets := 1 << p.SubKeyBits
	for part := 0; part < p.Partitions; part++ {
		offsets := r.u32s(buckets + 1)
		if r.err != nil {
			break
		}
		if offsets[0] != 0 || int(offsets[buckets]) != n {
			return nil, corrupt("partition %d covers %d entries, want %d", part, offsets[buckets], n)
		}
		for k := 1; k <= buckets; k++ {
			if offsets[k] < offsets[k-1] {
				return nil, corrupt("partition %d offsets decrease at %d", part, k)
			}
		}
		postings := r.u32s(n)
		for _, v := range postings {
			if int(v) >= n {
				return nil, corrupt("partition %d posting %d out of range", part, v)
			}
		}
		ix.offsets[part] = offsets
		ix.postings[part] = postings
	}
	if r.err != nil {
		return nil, corrupt("truncated: %v", r.err)
	}
	if r.off != len(body) {
		return nil, corrupt("%d trailing bytes", len(body)-r.off)
	}
	return ix, nil
}

func corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", domain.ErrIndexCorrupt, fmt.Sprintf(format, args...))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// sliceReader decodes little-endian values and remembers the first overrun.
type sliceReader struct {
	buf []byte
	off int
	err error
}

func (r *sliceReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *sliceReader) u8() uint8 {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *sliceReader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *sliceReader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *sliceReader) u32s(n int) []uint32 {
	b := r.bytes(4 * n)
	if b == nil {
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return out
}
