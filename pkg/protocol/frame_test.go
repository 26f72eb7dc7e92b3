package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{
			name:    "empty payload",
			payload: []byte{},
		},
		{
			name:    "small payload",
			payload: []byte(`{"action":"PING"}`),
		},
		{
			name:    "binary payload",
			payload: []byte{0x00, 0xFF, 0x7F, 0x80},
		},
		{
			name:    "utf-8 payload",
			payload: []byte(`{"message":"héllo wörld ☺"}`),
		},
		{
			name:    "large payload",
			payload: bytes.Repeat([]byte("x"), 1<<20),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeFrame(&buf, tt.payload)
			require.NoError(t, err)

			// 4-byte big-endian length prefix
			require.GreaterOrEqual(t, buf.Len(), 4)
			assert.Equal(t, uint32(len(tt.payload)), binary.BigEndian.Uint32(buf.Bytes()[:4]))

			decoded, err := DecodeFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, decoded)
		})
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := EncodeFrame(&buf, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "nothing should be written for an oversized payload")
}

func TestDecodeFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)
	buf.Write(header)
	buf.Write([]byte("payload that never gets read"))

	_, err := DecodeFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeFrameCleanEOF(t *testing.T) {
	// No bytes at all: clean EOF passes through so callers can tell a normal
	// disconnect from a truncated frame
	_, err := DecodeFrame(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
	assert.NotErrorIs(t, err, ErrIncompleteFrame)
}

func TestDecodeFrameTruncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "partial length prefix",
			data: []byte{0x00, 0x00},
		},
		{
			name: "length prefix without payload",
			data: []byte{0x00, 0x00, 0x00, 0x05},
		},
		{
			name: "partial payload",
			data: []byte{0x00, 0x00, 0x00, 0x05, 'a', 'b'},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(bytes.NewReader(tt.data))
			require.ErrorIs(t, err, ErrIncompleteFrame)
		})
	}
}

func TestDecodeMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte("first"),
		[]byte("second"),
		[]byte("third"),
	}
	for _, p := range payloads {
		require.NoError(t, EncodeFrame(&buf, p))
	}

	for _, want := range payloads {
		got, err := DecodeFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := DecodeFrame(&buf)
	require.ErrorIs(t, err, io.EOF)
}
