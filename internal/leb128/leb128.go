// Package leb128 encodes and decodes the variable-length integers the Wasm
// binary format uses for every index, count, and signed/unsigned immediate.
//
// Function names and round-trip behavior are grounded on
// tetratelabs/wazero's internal/leb128 test suite (EncodeInt32, EncodeInt64,
// EncodeUint32, EncodeUint64, LoadInt32, LoadInt64, LoadUint32, LoadUint64,
// DecodeInt33AsInt64); that package's sources were not present in the
// retrieval pack, so these are written fresh against the test suite's
// observed contract rather than copied.
package leb128

import (
	"fmt"
	"io"
)

const (
	maxVarintBytes32 = 5
	maxVarintBytes33 = 5
	maxVarintBytes64 = 10
)

// EncodeUint32 encodes v as an unsigned LEB128 varint.
func EncodeUint32(v uint32) []byte {
	return encodeUint64(uint64(v))
}

// EncodeUint64 encodes v as an unsigned LEB128 varint.
func EncodeUint64(v uint64) []byte {
	return encodeUint64(v)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 0, 10)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

// EncodeInt32 encodes v as a signed LEB128 varint.
func EncodeInt32(v int32) []byte {
	return encodeInt64(int64(v))
}

// EncodeInt64 encodes v as a signed LEB128 varint.
func EncodeInt64(v int64) []byte {
	return encodeInt64(v)
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 0, 10)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			buf = append(buf, b)
			return buf
		}
		buf = append(buf, b|0x80)
	}
}

// LoadUint32 decodes an unsigned LEB128 varint from the start of b, and
// returns the number of bytes it occupied.
func LoadUint32(b []byte) (uint32, uint64, error) {
	v, n, err := decodeUint(b, 32)
	return uint32(v), n, err
}

// LoadUint64 decodes an unsigned LEB128 varint from the start of b.
func LoadUint64(b []byte) (uint64, uint64, error) {
	return decodeUint(b, 64)
}

// LoadInt32 decodes a signed LEB128 varint from the start of b.
func LoadInt32(b []byte) (int32, uint64, error) {
	v, n, err := decodeInt(b, 32)
	return int32(v), n, err
}

// LoadInt64 decodes a signed LEB128 varint from the start of b.
func LoadInt64(b []byte) (int64, uint64, error) {
	return decodeInt(b, 64)
}

func decodeUint(b []byte, bits int) (uint64, uint64, error) {
	var result uint64
	var shift uint
	maxBytes := maxVarintBytes32
	if bits == 64 {
		maxBytes = maxVarintBytes64
	}
	for i := 0; ; i++ {
		if i >= maxBytes {
			return 0, 0, fmt.Errorf("leb128: varint too long (unsigned, %d bits)", bits)
		}
		if i >= len(b) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		c := b[i]
		if i == maxBytes-1 {
			// The final byte of a maximal-length varint may only use the
			// bits that fit within `bits`; anything else overflows.
			used := bits - int(shift)
			if used < 7 && c>>uint(used) != 0 {
				return 0, 0, fmt.Errorf("leb128: unsigned overflow")
			}
		}
		result |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return result, uint64(i + 1), nil
		}
		shift += 7
	}
}

func decodeInt(b []byte, bits int) (int64, uint64, error) {
	var result int64
	var shift uint
	var c byte
	maxBytes := maxVarintBytes32
	if bits == 64 {
		maxBytes = maxVarintBytes64
	}
	i := 0
	for {
		if i >= maxBytes {
			return 0, 0, fmt.Errorf("leb128: varint too long (signed, %d bits)", bits)
		}
		if i >= len(b) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		c = b[i]
		result |= int64(c&0x7f) << shift
		shift += 7
		i++
		if c&0x80 == 0 {
			break
		}
	}
	if shift < uint(bits) && c&0x40 != 0 {
		result |= -1 << shift
	}
	return result, uint64(i), nil
}

// byteReader adapts io.ByteReader semantics over an io.Reader that may not
// implement it directly.
type byteReader struct {
	r io.Reader
}

func (br byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(br.r, buf[:])
	return buf[0], err
}

func asByteReader(r io.Reader) io.ByteReader {
	if br, ok := r.(io.ByteReader); ok {
		return br
	}
	return byteReader{r}
}

// DecodeUint32 reads an unsigned LEB128 varint from r.
func DecodeUint32(r io.Reader) (uint32, uint64, error) {
	v, n, err := decodeUintReader(asByteReader(r), 32)
	return uint32(v), n, err
}

// DecodeUint64 reads an unsigned LEB128 varint from r.
func DecodeUint64(r io.Reader) (uint64, uint64, error) {
	return decodeUintReader(asByteReader(r), 64)
}

// DecodeInt32 reads a signed LEB128 varint from r.
func DecodeInt32(r io.Reader) (int32, uint64, error) {
	v, n, err := decodeIntReader(asByteReader(r), 32)
	return int32(v), n, err
}

// DecodeInt64 reads a signed LEB128 varint from r.
func DecodeInt64(r io.Reader) (int64, uint64, error) {
	return decodeIntReader(asByteReader(r), 64)
}

// DecodeInt33AsInt64 reads a 33-bit signed LEB128 varint (the form Wasm
// uses for block-type s33 immediates) widened to int64.
func DecodeInt33AsInt64(r io.Reader) (int64, uint64, error) {
	return decodeIntReader(asByteReader(r), 33)
}

func decodeUintReader(r io.ByteReader, bits int) (uint64, uint64, error) {
	var result uint64
	var shift uint
	var n uint64
	for {
		c, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		n++
		result |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return result, n, nil
		}
		shift += 7
		if shift >= 70 {
			return 0, 0, fmt.Errorf("leb128: varint too long (unsigned, %d bits)", bits)
		}
	}
}

func decodeIntReader(r io.ByteReader, bits int) (int64, uint64, error) {
	var result int64
	var shift uint
	var c byte
	var n uint64
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		c = b
		n++
		result |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			break
		}
		if shift >= 70 {
			return 0, 0, fmt.Errorf("leb128: varint too long (signed, %d bits)", bits)
		}
	}
	if shift < uint(bits) && c&0x40 != 0 {
		result |= -1 << shift
	}
	return result, n, nil
}
