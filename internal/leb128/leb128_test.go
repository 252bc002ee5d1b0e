package leb128

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeUint32(t *testing.T) {
	tests := []struct {
		in  uint32
		exp []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
	}
	for _, tc := range tests {
		require.Equal(t, tc.exp, EncodeUint32(tc.in))
	}
}

func TestEncodeInt64(t *testing.T) {
	tests := []struct {
		in  int64
		exp []byte
	}{
		{0, []byte{0x00}},
		{-1, []byte{0x7f}},
		{-2, []byte{0x7e}},
		{-3, []byte{0x7d}},
		{-4, []byte{0x7c}},
		{-64, []byte{0x40}},
		{-65, []byte{0xbf, 0x7f}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-123456, []byte{0xc0, 0xbb, 0x78}},
	}
	for _, tc := range tests {
		require.Equal(t, tc.exp, EncodeInt64(tc.in))
	}
}

func TestLoadUint32RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 127, 128, 300, 1 << 20, 1<<32 - 1} {
		encoded := EncodeUint32(v)
		got, n, err := LoadUint32(encoded)
		require.NoError(t, err)
		require.Equal(t, v, got)
		require.Equal(t, uint64(len(encoded)), n)
	}
}

func TestLoadInt32RoundTrip(t *testing.T) {
	for _, v := range []int32{0, -1, 1, 63, -64, -65, 64, 1 << 20, -(1 << 20)} {
		encoded := EncodeInt32(v)
		got, n, err := LoadInt32(encoded)
		require.NoError(t, err)
		require.Equal(t, v, got)
		require.Equal(t, uint64(len(encoded)), n)
	}
}

func TestLoadUint32_UnexpectedEOF(t *testing.T) {
	_, _, err := LoadUint32([]byte{0x80})
	require.Error(t, err)
}

func TestDecodeInt33AsInt64_BlockTypes(t *testing.T) {
	// These five encodings double as Wasm block-type immediates: empty,
	// i32, i64, f32, f64.
	tests := []struct {
		encoded []byte
		exp     int64
	}{
		{[]byte{0x40}, -64},
		{[]byte{0x7f}, -1},
		{[]byte{0x7e}, -2},
		{[]byte{0x7d}, -3},
		{[]byte{0x7c}, -4},
	}
	for _, tc := range tests {
		got, n, err := DecodeInt33AsInt64(bytes.NewReader(tc.encoded))
		require.NoError(t, err)
		require.Equal(t, tc.exp, got)
		require.Equal(t, uint64(len(tc.encoded)), n)
	}
}
