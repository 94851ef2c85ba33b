package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewFrameEncoder(&buf, 0)
	require.NoError(t, enc.WriteFrame([]byte("first")))
	require.NoError(t, enc.WriteFrame(nil))
	require.NoError(t, enc.WriteFrame([]byte("third")))

	dec := NewFrameDecoder(&buf, 0)
	for _, want := range []string{"first", "", "third"} {
		got, err := dec.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := dec.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_LengthPrefixIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameEncoder(&buf, 0).WriteFrame([]byte{1, 2, 3}))
	assert.Equal(t, []byte{0, 0, 0, 3, 1, 2, 3}, buf.Bytes())
}

func TestFrameDecoder_TooLarge(t *testing.T) {
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], 64)

	_, err := NewFrameDecoder(bytes.NewReader(prefix[:]), 32).ReadFrame()
	var frameErr *FrameError
	require.True(t, errors.As(err, &frameErr))
	assert.Equal(t, FrameErrorTooLarge, frameErr.Kind)
	assert.True(t, IsFatalFrameError(err))
}

func TestFrameDecoder_Partial(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated prefix", []byte{0, 0}},
		{"truncated payload", []byte{0, 0, 0, 5, 'a', 'b'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFrameDecoder(bytes.NewReader(tt.data), 0).ReadFrame()
			var frameErr *FrameError
			require.True(t, errors.As(err, &frameErr))
			assert.Equal(t, FrameErrorPartial, frameErr.Kind)
			assert.True(t, frameErr.IsFatal())
		})
	}
}

func TestFrameEncoder_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := NewFrameEncoder(&buf, 8).WriteFrame(make([]byte, 5))
	assert.True(t, IsFatalFrameError(err))
	assert.Zero(t, buf.Len())
}

func TestFrameError_DecodeIsNotFatal(t *testing.T) {
	err := &FrameError{Kind: FrameErrorDecode, Msg: "bad", Err: io.ErrUnexpectedEOF}
	assert.False(t, IsFatalFrameError(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "bad: unexpected EOF", err.Error())
	assert.False(t, IsFatalFrameError(errors.New("plain")))
}
