// Package jsoncodec is the single JSON implementation used across the
// pipeline. It is backed by sonic in encoding/json compatible mode so
// struct tags and error behaviour match the standard library.
package jsoncodec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

var (
	// ErrEmptyPayload reports a body with nothing but whitespace in it.
	ErrEmptyPayload = errors.New("jsoncodec: payload is empty")
	// ErrInvalidUTF8 reports a body that is not valid UTF-8 text.
	ErrInvalidUTF8 = errors.New("jsoncodec: payload is not valid UTF-8")
)

func Marshal(v any) ([]byte, error) { return api.Marshal(v) }

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error { return api.Unmarshal(data, v) }

// Encode writes v to w followed by a newline.
func Encode(w io.Writer, v any) error { return api.NewEncoder(w).Encode(v) }

// Decode reads the next JSON value from r into v.
func Decode(r io.Reader, v any) error { return api.NewDecoder(r).Decode(v) }

// CheckText reports whether data can be handed to a decoder without text
// being lost: it must be non-blank UTF-8. Errors wrap ErrEmptyPayload or
// ErrInvalidUTF8 and name the offset of the first bad byte.
func CheckText(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrEmptyPayload
	}
	if utf8.Valid(data) {
		return nil
	}
	for offset := 0; offset < len(data); {
		r, size := utf8.DecodeRune(data[offset:])
		if r == utf8.RuneError && size <= 1 {
			return fmt.Errorf("%w: bad byte 0x%02x at offset %d", ErrInvalidUTF8, data[offset], offset)
		}
		offset += size
	}
	return ErrInvalidUTF8
}

// UnmarshalStrict runs CheckText before decoding. Broker payloads are raw
// bytes and a lenient decoder would replace bad sequences, persisting
// mangled chat text.
func UnmarshalStrict(data []byte, v any) error {
	if err := CheckText(data); err != nil {
		return err
	}
	return api.Unmarshal(data, v)
}
