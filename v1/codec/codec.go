// Package codec encodes broker messages while preserving their concrete type.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/mirkobrombin/go-tether/v1/packet"
)

var (
	ErrUnknownType = stdErrors.New("codec: unknown message type")
	ErrNotPointer  = stdErrors.New("codec: prototype must be a non-nil pointer")
)

// Codec converts messages to bytes and back. Decode returns a value of the
// same concrete type that was encoded.
type Codec interface {
	Encode(msg packet.Message) ([]byte, error)
	Decode(data []byte) (packet.Message, error)
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// JSONCodec implements Codec using encoding/json. Concrete types are tagged
// with the name they were registered under.
type JSONCodec struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewJSON returns an empty JSONCodec.
func NewJSON() *JSONCodec {
	return &JSONCodec{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register binds name to the concrete type of prototype, which must be a
// pointer such as (*Ping)(nil).
func (c *JSONCodec) Register(name string, prototype packet.Message) error {
	t := reflect.TypeOf(prototype)
	if t == nil || t.Kind() != reflect.Pointer {
		return ErrNotPointer
	}
	c.mu.Lock()
	c.byName[name] = t
	c.byType[t] = name
	c.mu.Unlock()
	return nil
}

// MustRegister is like Register but panics on error.
func (c *JSONCodec) MustRegister(name string, prototype packet.Message) *JSONCodec {
	if err := c.Register(name, prototype); err != nil {
		panic(err)
	}
	return c
}

func (c *JSONCodec) Encode(msg packet.Message) ([]byte, error) {
	c.mu.RLock()
	name, ok := c.byType[reflect.TypeOf(msg)]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: name, Data: data})
}

func (c *JSONCodec) Decode(data []byte) (packet.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	c.mu.RLock()
	t, ok := c.byName[env.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	msg := reflect.New(t.Elem()).Interface().(packet.Message)
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// GobCodec implements Codec using encoding/gob. Concrete types must be
// registered with RegisterGob before use.
type GobCodec struct{}

// RegisterGob records the concrete type of prototype with encoding/gob.
func RegisterGob(prototype packet.Message) {
	gob.Register(prototype)
}

func (GobCodec) Encode(msg packet.Message) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(&msg); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (GobCodec) Decode(data []byte) (packet.Message, error) {
	var msg packet.Message
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}
