// Package codec encodes and decodes service payloads in one of the supported
// wire formats and frames batches for the socket transport.
//
// The format is chosen once per service at startup and applies to request
// payloads, response payloads and batch envelopes alike.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgPack Format = "msgpack"
	FormatCBOR    Format = "cbor"
)

var (
	ErrDecode        = errors.New("decode error")
	ErrEncode        = errors.New("encode error")
	ErrUnknownFormat = errors.New("unknown wire format")
)

// Codec marshals values for one wire format. Implementations are stateless
// and safe for concurrent use.
type Codec interface {
	Format() Format
	ContentType() string
	Marshal(v any) ([]byte, error)
	// Unmarshal rejects trailing bytes after the first value.
	Unmarshal(data []byte, v any) error
}

// ParseFormat normalizes a user supplied format name.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatMsgPack, "messagepack":
		return FormatMsgPack, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownFormat, raw)
	}
}

func New(format Format) (Codec, error) {
	switch format {
	case FormatJSON:
		return jsonCodec{}, nil
	case FormatMsgPack:
		return msgpackCodec{}, nil
	case FormatCBOR:
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
}

type jsonCodec struct{}

func (jsonCodec) Format() Format      { return FormatJSON }
func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: json: %w", ErrEncode, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("%w: json: %w", ErrDecode, err)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return fmt.Errorf("%w: json: trailing data after value", ErrDecode)
	}
	return nil
}

type msgpackCodec struct{}

func (msgpackCodec) Format() Format      { return FormatMsgPack }
func (msgpackCodec) ContentType() string { return "application/msgpack" }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := msgpack.NewEncoder(&buf)
	encoder.SetCustomStructTag("json")
	encoder.UseCompactInts(true)
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: msgpack: %w", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	reader := bytes.NewReader(data)
	decoder := msgpack.NewDecoder(reader)
	decoder.SetCustomStructTag("json")
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("%w: msgpack: %w", ErrDecode, err)
	}
	if reader.Len() != 0 {
		return fmt.Errorf("%w: msgpack: %d trailing bytes after value", ErrDecode, reader.Len())
	}
	return nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encode mode: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decode mode: %w", err)
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (cborCodec) Format() Format      { return FormatCBOR }
func (cborCodec) ContentType() string { return "application/cbor" }

func (c cborCodec) Marshal(v any) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: cbor: %w", ErrEncode, err)
	}
	return data, nil
}

func (c cborCodec) Unmarshal(data []byte, v any) error {
	if err := c.dec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: cbor: %w", ErrDecode, err)
	}
	return nil
}
