package record

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeParamsRoundTrip(t *testing.T) {
	pairs := map[string]string{
		"SCRIPT_FILENAME": "/var/www/index.php",
		"REQUEST_METHOD":  "GET",
		"QUERY_STRING":    "",
		"LONG_VALUE":      string(bytes.Repeat([]byte("x"), 200)),
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeParams(&buf, pairs))

	frame, ok, err := Decode(&buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TypeParams, frame.Type)

	decoded, err := DecodeParams(frame.Content)
	require.NoError(t, err)
	assert.Equal(t, pairs, decoded)

	// terminating empty PARAMS record
	frame2, ok, err := Decode(&buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TypeParams, frame2.Type)
	assert.Empty(t, frame2.Content)

	assert.Zero(t, buf.Len())
}

func TestParamsTooLarge(t *testing.T) {
	pairs := map[string]string{"K": string(bytes.Repeat([]byte("x"), 70000))}
	var buf bytes.Buffer
	err := EncodeParams(&buf, pairs)
	assert.ErrorIs(t, err, ErrParamsTooLarge)
}

func TestDecodeIncompleteLeavesBufferUntouched(t *testing.T) {
	var buf bytes.Buffer
	EncodeBeginRequest(&buf, RoleResponder)
	full := buf.Bytes()

	// Feed everything but the last byte.
	var partial bytes.Buffer
	partial.Write(full[:len(full)-1])

	_, ok, err := Decode(&partial)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, len(full)-1, partial.Len(), "partial buffer must be untouched")

	partial.WriteByte(full[len(full)-1])
	frame, ok, err := Decode(&partial)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TypeBeginRequest, frame.Type)
	assert.Zero(t, partial.Len())
}

func TestDecodeIncrementalSplitFeedMatchesWholeStream(t *testing.T) {
	var whole bytes.Buffer
	EncodeBeginRequest(&whole, RoleResponder)
	require.NoError(t, EncodeParams(&whole, map[string]string{"A": "1", "B": "2"}))
	EncodeEmptyStdin(&whole)
	want := decodeAll(t, bytes.NewBuffer(whole.Bytes()))

	data := whole.Bytes()
	for split := 0; split <= len(data); split++ {
		var rb bytes.Buffer
		rb.Write(data[:split])
		got := decodeAvailable(t, &rb)
		rb.Write(data[split:])
		got = append(got, decodeAvailable(t, &rb)...)
		assert.Equal(t, want, got, "split at byte %d produced a different frame sequence", split)
	}
}

func decodeAll(t *testing.T, rb *bytes.Buffer) []Frame {
	t.Helper()
	return decodeAvailable(t, rb)
}

func decodeAvailable(t *testing.T, rb *bytes.Buffer) []Frame {
	t.Helper()
	var out []Frame
	for {
		f, ok, err := Decode(rb)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestEncodeStdinChunksAtMaxContentLength(t *testing.T) {
	data := bytes.Repeat([]byte("a"), MaxContentLength+100)
	var buf bytes.Buffer
	n := EncodeStdinChunk(&buf, data)
	assert.Equal(t, MaxContentLength, n)

	frame, ok, err := Decode(&buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MaxContentLength, frame.ContentLength)

	remainder := EncodeStdinChunk(&buf, data[n:])
	assert.Equal(t, 100, remainder)
}

func TestDecodeEndRequest(t *testing.T) {
	content := []byte{0, 0, 0, 0, 0, 0, 0, 0}
	end, err := DecodeEndRequest(content)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), end.AppStatus)
	assert.Equal(t, uint8(0), end.ProtocolStatus)

	_, err = DecodeEndRequest(content[:3])
	assert.Error(t, err)
}

func TestSizeEncodingBoundary(t *testing.T) {
	var buf bytes.Buffer
	writeSize(&buf, 127)
	assert.Equal(t, 1, buf.Len())

	buf.Reset()
	writeSize(&buf, 128)
	assert.Equal(t, 4, buf.Len())
	assert.NotZero(t, buf.Bytes()[0]&0x80)
}
