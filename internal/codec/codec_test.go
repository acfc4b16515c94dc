package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCodec(t *testing.T, format Format) Codec {
	t.Helper()
	c, err := New(format)
	require.NoError(t, err)
	return c
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"":            FormatJSON,
		"JSON":        FormatJSON,
		" msgpack ":   FormatMsgPack,
		"messagepack": FormatMsgPack,
		"cbor":        FormatCBOR,
	}
	for raw, want := range cases {
		got, err := ParseFormat(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseFormat("yaml")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestDecodeRoundTrip(t *testing.T) {
	common := []any{
		nil,
		true,
		"text",
		int64(23),
		int64(-7),
		float64(1.5),
		[]any{int64(1), "a", false},
		map[string]any{
			"num":    int64(23),
			"nested": map[string]any{"x": float64(0.25), "tags": []any{"a", "b"}},
		},
	}
	binaryOnly := []any{
		[]byte{0x00, 0xff, 0x10},
		map[string]any{"blob": []byte("payload")},
	}

	for _, format := range []Format{FormatJSON, FormatMsgPack, FormatCBOR} {
		t.Run(string(format), func(t *testing.T) {
			c := mustCodec(t, format)
			values := common
			if format != FormatJSON {
				values = append(append([]any{}, common...), binaryOnly...)
			}
			for _, value := range values {
				data, err := c.Marshal(value)
				require.NoError(t, err)
				decoded, err := Decode(c, data)
				require.NoError(t, err)
				assert.Equal(t, value, decoded)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[Format][]byte{
		FormatJSON:    []byte(`{"num": `),
		FormatMsgPack: {0xc1},
		FormatCBOR:    {0xff},
	}
	for format, payload := range cases {
		_, err := Decode(mustCodec(t, format), payload)
		assert.ErrorIs(t, err, ErrDecode, string(format))
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatMsgPack, FormatCBOR} {
		c := mustCodec(t, format)
		data, err := c.Marshal(map[string]any{"num": 1})
		require.NoError(t, err)
		_, err = Decode(c, append(data, data...))
		assert.ErrorIs(t, err, ErrDecode, string(format))
	}
}

func TestNormalize(t *testing.T) {
	in := map[any]any{
		"a":  int32(4),
		"b":  uint16(5),
		"c":  float32(0.5),
		7:    []string{"x"},
		"e":  uint64(1 << 63),
		"id": []any{uint8(1)},
	}
	want := map[string]any{
		"a":  int64(4),
		"b":  int64(5),
		"c":  float64(0.5),
		"7":  []any{"x"},
		"e":  float64(1 << 63),
		"id": []any{int64(1)},
	}
	assert.Equal(t, want, Normalize(in))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	req := BatchRequest{
		CorrelationID: "batch-1",
		Items:         [][]byte{[]byte(`{"num":1}`), []byte(`{"num":2}`)},
		IDs:           []string{"job-a", "job-b"},
	}
	resp := BatchResponse{
		CorrelationID: "batch-1",
		Results: []ItemResult{
			{OK: []byte(`{"square":1}`)},
			{Error: &ItemError{Kind: "ValidationError", Message: "num: expected integer"}},
		},
		IDs:      req.IDs,
		ErrorIDs: []string{"job-b"},
	}

	for _, format := range []Format{FormatJSON, FormatMsgPack, FormatCBOR} {
		t.Run(string(format), func(t *testing.T) {
			c := mustCodec(t, format)

			data, err := c.Marshal(req)
			require.NoError(t, err)
			var gotReq BatchRequest
			require.NoError(t, c.Unmarshal(data, &gotReq))
			assert.Equal(t, req, gotReq)

			data, err = c.Marshal(resp)
			require.NoError(t, err)
			var gotResp BatchResponse
			require.NoError(t, c.Unmarshal(data, &gotResp))
			assert.Equal(t, resp, gotResp)
		})
	}
}

func TestDecodeItemsIsolatesFailures(t *testing.T) {
	c := mustCodec(t, FormatJSON)
	items := DecodeItems(c, [][]byte{
		[]byte(`{"num":23}`),
		[]byte(`{"num":`),
		[]byte(`{"num":0}`),
	})
	require.Len(t, items, 3)

	assert.NoError(t, items[0].Err)
	assert.Equal(t, map[string]any{"num": int64(23)}, items[0].Value)
	assert.ErrorIs(t, items[1].Err, ErrDecode)
	assert.Nil(t, items[1].Value)
	assert.NoError(t, items[2].Err)
	assert.Equal(t, map[string]any{"num": int64(0)}, items[2].Value)
}

func TestFailedIDs(t *testing.T) {
	results := []ItemResult{{OK: []byte("1")}, {Error: &ItemError{Kind: "x"}}, {Error: &ItemError{Kind: "y"}}}
	assert.Equal(t, []string{"b", "c"}, FailedIDs([]string{"a", "b", "c"}, results))
	assert.Nil(t, FailedIDs(nil, results))
	assert.Nil(t, FailedIDs([]string{"a"}, results))
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf))
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}, buf.Bytes())

	first, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Empty(t, first)
	assert.NotNil(t, first)

	second, err := ReadFrame(&buf, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), second)

	_, err = ReadFrame(&buf, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsBadLengths(t *testing.T) {
	var negative [4]byte
	binary.BigEndian.PutUint32(negative[:], uint32(0xffffffff))
	_, err := ReadFrame(bytes.NewReader(negative[:]), 0)
	assert.ErrorIs(t, err, ErrFrameSize)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 32)))
	_, err = ReadFrame(&buf, 8)
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("abcdef")))
	truncated := buf.Bytes()[:6]
	_, err := ReadFrame(bytes.NewReader(truncated), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
