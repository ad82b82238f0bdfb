package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	stdErrors "errors"
	"fmt"
)

// Codec turns cache values into hash field payloads and back. Every process
// sharing a hash must use the same Codec.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ErrUnsupportedValue is returned by codecs that handle only some value
// types.
var ErrUnsupportedValue = stdErrors.New("value type not supported by codec")

// JSONCodec stores values as JSON documents. It is the default, and the
// payloads stay readable by processes not written in Go.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GobCodec stores values as gob streams. Interface-typed fields need
// gob.Register on every process.
type GobCodec struct{}

func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// StringCodec stores strings and byte slices as raw field payloads, so a
// hash can be shared with tools that write plain strings, redis-cli
// included.
type StringCodec struct{}

func (StringCodec) Marshal(v any) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return s, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func (StringCodec) Unmarshal(data []byte, v any) error {
	switch p := v.(type) {
	case *string:
		*p = string(data)
	case *[]byte:
		*p = append((*p)[:0], data...)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return nil
}

// encode marshals value for field, reporting failures as CacheErrors.
func (r *RemoteCache[T]) encode(field string, value T) ([]byte, error) {
	data, err := r.codec.Marshal(value)
	if err != nil {
		return nil, r.wrap("encode", field, err)
	}
	return data, nil
}

// decode unmarshals the payload of field. A payload written with another
// codec, or for another type, is a "decode" CacheError rather than a zero
// value.
func (r *RemoteCache[T]) decode(field string, data []byte) (T, error) {
	var v T
	if err := r.codec.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, r.wrap("decode", field, fmt.Errorf("%T: %w", r.codec, err))
	}
	return v, nil
}
